package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/minbarlabs/minbar-core/internal/bus"
	"github.com/minbarlabs/minbar-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bridge exposes a session's fan-out over NATS so presentation clients
// anywhere on the bus see the same frames in the same order as in-process
// viewers. Late joiners request a snapshot on the session's resync subject.
type Bridge struct {
	bus *bus.Client
	log *slog.Logger
	mu  sync.Mutex
	sub map[string]*nats.Subscription
}

func NewBridge(busClient *bus.Client, log *slog.Logger) *Bridge {
	return &Bridge{
		bus: busClient,
		log: log.With(slog.String("component", "hub-bridge")),
		sub: make(map[string]*nats.Subscription),
	}
}

// Register serves resync request/reply for one session.
func (b *Bridge) Register(sessionID string, snapshot func() Notification) error {
	sub, err := b.bus.Conn().Subscribe(protocol.ResyncSubject(sessionID), func(msg *nats.Msg) {
		if err := msg.Respond(snapshot().Data); err != nil {
			b.log.Warn("failed to answer resync request",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe resync subject: %w", err)
	}

	b.mu.Lock()
	b.sub[sessionID] = sub
	b.mu.Unlock()
	return nil
}

// Unregister stops serving resyncs for a session.
func (b *Bridge) Unregister(sessionID string) {
	b.mu.Lock()
	sub := b.sub[sessionID]
	delete(b.sub, sessionID)
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

// Publish mirrors one viewer frame onto the session's caption subject.
// Best-effort: a publish failure is logged and never propagated to the
// matcher path.
func (b *Bridge) Publish(sessionID string, n Notification) {
	if err := b.bus.Conn().Publish(protocol.CaptionSubject(sessionID), n.Data); err != nil {
		b.log.Warn("failed to publish viewer frame",
			slog.String("session_id", sessionID),
			slog.String("kind", n.Kind),
			slog.String("error", err.Error()))
	}
}

// Close drains every remaining resync subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.sub {
		_ = sub.Drain()
		delete(b.sub, id)
	}
}
