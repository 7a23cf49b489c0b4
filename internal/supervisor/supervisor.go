package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/bus"
	"github.com/minbarlabs/minbar-core/internal/config"
	"github.com/minbarlabs/minbar-core/internal/eventstore"
	"github.com/minbarlabs/minbar-core/internal/hub"
	"github.com/minbarlabs/minbar-core/internal/ingest"
	"github.com/minbarlabs/minbar-core/internal/protocol"
	"github.com/minbarlabs/minbar-core/internal/sermon"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSermonLive      = errors.New("sermon already has a live session")
	ErrNoMatchToFlag   = errors.New("session has no match to flag")
)

// SessionInfo is the operator-facing view of one running session, built from
// the session's published snapshot so reading it never races the worker.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	SermonID      int64     `json:"sermon_id"`
	Status        string    `json:"status"`
	Position      int       `json:"position"`
	TotalSegments int       `json:"total_segments"`
	Viewers       int       `json:"viewers"`
	StartedAt     time.Time `json:"started_at"`
}

// Supervisor owns session lifecycle: creating sessions from vetted scripts,
// running one sequential worker per session, persisting alignment events,
// and rolling up aggregates when a session ends. Sessions of different
// sermons are fully independent.
type Supervisor struct {
	cfg     config.AlignConfig
	log     *slog.Logger
	sermons *sermon.Store
	events  *eventstore.Store
	hub     *hub.Hub
	bridge  *hub.Bridge     // nil when the bus is not wired
	ingest  *ingest.Service // nil when the bus is not wired
	bus     *bus.Client     // nil when the bus is not wired

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	bySermon map[int64]*Session
	subs     []*nats.Subscription

	matchedCounter metric.Int64Counter
	skippedCounter metric.Int64Counter
}

func New(parent context.Context, cfg config.AlignConfig, sermons *sermon.Store, events *eventstore.Store,
	h *hub.Hub, bridge *hub.Bridge, ing *ingest.Service, busClient *bus.Client, log *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		cfg:      cfg,
		log:      log.With(slog.String("component", "supervisor")),
		sermons:  sermons,
		events:   events,
		hub:      h,
		bridge:   bridge,
		ingest:   ing,
		bus:      busClient,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		bySermon: make(map[int64]*Session),
	}
}

// Start wires control subjects and metrics. Safe to call without a bus; the
// supervisor then only serves in-process callers.
func (s *Supervisor) Start() error {
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if s.bus == nil {
		return nil
	}

	conn := s.bus.Conn()
	startSub, err := conn.Subscribe(protocol.SubjectSessionStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	s.subs = append(s.subs, startSub)

	stopSub, err := conn.Subscribe(protocol.SubjectSessionStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe session stop: %w", err)
	}
	s.subs = append(s.subs, stopSub)

	flagSub, err := conn.Subscribe(protocol.SubjectSessionFlag, s.handleFlag)
	if err != nil {
		return fmt.Errorf("subscribe session flag: %w", err)
	}
	s.subs = append(s.subs, flagSub)

	return nil
}

// Close stops every running session, waits for workers to flush, and drains
// control subscriptions.
func (s *Supervisor) Close() {
	s.mu.Lock()
	running := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		running = append(running, sess)
	}
	s.mu.Unlock()

	for _, sess := range running {
		sess.stop("interrupted")
	}
	s.cancel()
	s.wg.Wait()

	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

// StartSession loads the vetted script and starts the session worker. A
// sermon with no vetted segments is rejected before any viewer can connect.
func (s *Supervisor) StartSession(ctx context.Context, sermonID int64) (*Session, error) {
	s.mu.Lock()
	if _, live := s.bySermon[sermonID]; live {
		s.mu.Unlock()
		return nil, ErrSermonLive
	}
	s.mu.Unlock()

	if _, err := s.sermons.Sermon(ctx, sermonID); err != nil {
		return nil, err
	}
	segments, err := s.sermons.LoadVettedSegments(ctx, sermonID)
	if err != nil {
		return nil, err
	}
	state, err := align.NewState(sermonID, segments, time.Now())
	if err != nil {
		return nil, err
	}

	sess := s.newSession(state)
	sctx, scancel := context.WithCancel(s.ctx)
	sess.cancel = scancel

	if err := s.events.AppendSession(ctx, state.SessionID, sermonID, state.StartedAt); err != nil {
		sess.degraded.Store(true)
		s.log.Warn("event store unavailable; session continues with degraded logging",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	if _, live := s.bySermon[sermonID]; live {
		s.mu.Unlock()
		scancel()
		return nil, ErrSermonLive
	}
	s.sessions[state.SessionID] = sess
	s.bySermon[sermonID] = sess
	s.mu.Unlock()

	s.hub.Register(state.SessionID, sess.snapshotFrame)
	if s.bridge != nil {
		if err := s.bridge.Register(state.SessionID, sess.snapshotFrame); err != nil {
			s.log.Warn("failed to register resync subject",
				slog.String("session_id", state.SessionID),
				slog.String("error", err.Error()))
		}
	}
	if s.ingest != nil {
		s.ingest.Bind(state.SessionID, sess)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(sctx)
	}()

	sess.broadcastStarted()
	s.log.Info("session started",
		slog.String("session_id", state.SessionID),
		slog.Int64("sermon_id", sermonID),
		slog.Int("segments_loaded", state.TotalSegments()))

	return sess, nil
}

// StopSession ends a session gracefully and waits for its worker to flush.
func (s *Supervisor) StopSession(sessionID string) error {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.stop("completed")
	return nil
}

// FlagLastMatch records an operator judgment that the most recent match was
// wrong. The caption already shown is never retracted; the flag exists for
// later review and retraining data.
func (s *Supervisor) FlagLastMatch(ctx context.Context, sessionID, notes string) error {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	return sess.flagLastMatch(ctx, notes)
}

// Session returns a running session by id.
func (s *Supervisor) Session(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// ActiveSessions lists running sessions for operators.
func (s *Supervisor) ActiveSessions() []SessionInfo {
	s.mu.Lock()
	running := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		running = append(running, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(running))
	for _, sess := range running {
		view := sess.resyncView()
		infos = append(infos, SessionInfo{
			SessionID:     sess.ID(),
			SermonID:      sess.SermonID(),
			Status:        view.Status,
			Position:      view.Position,
			TotalSegments: view.TotalSegments,
			Viewers:       s.hub.ViewerCount(sess.ID()),
			StartedAt:     sess.StartedAt(),
		})
	}
	return infos
}

func (s *Supervisor) remove(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	if s.bySermon[sess.SermonID()] == sess {
		delete(s.bySermon, sess.SermonID())
	}
	s.mu.Unlock()
}

func (s *Supervisor) handleStart(msg *nats.Msg) {
	var req protocol.StartSessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.StartSessionReply{Error: "invalid request"})
		return
	}
	sess, err := s.StartSession(s.ctx, req.SermonID)
	if err != nil {
		s.respond(msg, protocol.StartSessionReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.StartSessionReply{
		SessionID:      sess.ID(),
		SegmentsLoaded: sess.resyncView().TotalSegments,
	})
}

func (s *Supervisor) handleStop(msg *nats.Msg) {
	var req protocol.StopSessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}
	if err := s.StopSession(req.SessionID); err != nil {
		s.respond(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ControlReply{OK: true})
}

func (s *Supervisor) handleFlag(msg *nats.Msg) {
	var req protocol.FlagMatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}
	if err := s.FlagLastMatch(s.ctx, req.SessionID, req.Notes); err != nil {
		s.respond(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ControlReply{OK: true})
}

func (s *Supervisor) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

func (s *Supervisor) initMetrics() error {
	meter := otel.Meter("github.com/minbarlabs/minbar-core/runtime")

	sessionGauge, err := meter.Int64ObservableGauge("minbar.sessions.active",
		metric.WithDescription("Number of live alignment sessions"))
	if err != nil {
		return err
	}
	viewerGauge, err := meter.Int64ObservableGauge("minbar.viewers.active",
		metric.WithDescription("Number of attached viewers across sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.Lock()
		active := int64(len(s.sessions))
		s.mu.Unlock()
		obs.ObserveInt64(sessionGauge, active)
		obs.ObserveInt64(viewerGauge, int64(s.hub.TotalViewers()))
		return nil
	}, sessionGauge, viewerGauge)
	if err != nil {
		return err
	}

	if s.matchedCounter, err = meter.Int64Counter("minbar.segments.matched",
		metric.WithDescription("Segments matched across sessions")); err != nil {
		return err
	}
	if s.skippedCounter, err = meter.Int64Counter("minbar.segments.skipped",
		metric.WithDescription("Segments skipped across sessions")); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) recordMatch(ctx context.Context, skipped int) {
	if s.matchedCounter != nil {
		s.matchedCounter.Add(ctx, 1)
	}
	if s.skippedCounter != nil && skipped > 0 {
		s.skippedCounter.Add(ctx, int64(skipped))
	}
}
