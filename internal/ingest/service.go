package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/minbarlabs/minbar-core/internal/bus"
	"github.com/minbarlabs/minbar-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Sink receives normalized fragments for one session. Offer must never
// block; it reports whether the fragment was accepted.
type Sink interface {
	Offer(frag protocol.TranscriptFragment) bool
}

// Service consumes raw transcript fragments from the external STT engine and
// routes them to the owning session worker. The engine is a black box: no
// acknowledgement, irregular intervals, and it may stop emitting without an
// end signal.
type Service struct {
	bus   *bus.Client
	log   *slog.Logger
	mu    sync.Mutex
	sinks map[string]Sink
	sub   *nats.Subscription
}

func NewService(busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		bus:   busClient,
		log:   log.With(slog.String("component", "ingest")),
		sinks: make(map[string]Sink),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectFragmentPrefix+".>", s.handleFragment)
	if err != nil {
		return fmt.Errorf("subscribe transcript fragments: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

// Bind routes fragments of a session to the given sink.
func (s *Service) Bind(sessionID string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[sessionID] = sink
}

// Unbind stops routing for a session. Fragments arriving afterwards are
// dropped silently; the engine may keep talking after a session ends.
func (s *Service) Unbind(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, sessionID)
}

func (s *Service) handleFragment(msg *nats.Msg) {
	var frag protocol.TranscriptFragment
	if err := json.Unmarshal(msg.Data, &frag); err != nil {
		s.log.Warn("failed to decode transcript fragment", slog.String("error", err.Error()))
		return
	}
	frag.Text = Normalize(frag.Text)
	if frag.Text == "" {
		return
	}

	s.mu.Lock()
	sink := s.sinks[frag.SessionID]
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if !sink.Offer(frag) {
		s.log.Debug("fragment dropped by full session queue",
			slog.String("session_id", frag.SessionID))
	}
}

// Normalize collapses whitespace runs and trims the fragment. Scoring does
// its own token normalization; this only keeps the buffer tidy.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
