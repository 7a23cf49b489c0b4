package hub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownSession is returned when attaching to a session the hub does not
// carry.
var ErrUnknownSession = errors.New("unknown session")

// Notification is one viewer frame: the message kind plus its already
// encoded JSON payload. Encoding once per event keeps fan-out cheap and
// guarantees every viewer sees byte-identical frames.
type Notification struct {
	Kind string
	Data []byte
}

// Viewer is one attached connection. It carries no state of its own; all
// durable state lives with the session so any viewer can be resynced from
// scratch.
type Viewer struct {
	id string
	ch chan Notification
}

// Messages is the ordered stream of frames for this viewer.
func (v *Viewer) Messages() <-chan Notification {
	return v.ch
}

type sessionHub struct {
	mu       sync.Mutex
	viewers  map[string]*Viewer
	snapshot func() Notification
	closed   bool
}

// Hub fans out session notifications to every attached viewer. The session
// worker publishes without ever blocking: each viewer gets a buffered
// channel and a viewer that cannot drain it in time is detached (it can
// reattach and resync). All viewers of a session observe the same frames in
// the same order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionHub
	buffer   int
	log      *slog.Logger
}

func New(buffer int, log *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*sessionHub),
		buffer:   buffer,
		log:      log.With(slog.String("component", "hub")),
	}
}

// Register opens fan-out for a session. snapshot must return the current
// resync frame; it is called on every attach and must be safe to call from
// any goroutine.
func (h *Hub) Register(sessionID string, snapshot func() Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = &sessionHub{
		viewers:  make(map[string]*Viewer),
		snapshot: snapshot,
	}
}

// Unregister closes every viewer of a session and drops it from the hub.
// Callers broadcast their terminal frame first.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	sh := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if sh == nil {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.closed = true
	for id, v := range sh.viewers {
		close(v.ch)
		delete(sh.viewers, id)
	}
}

// Attach connects a new viewer. The resync frame is queued first so a late
// joiner never sees a blank screen or waits for the next speech event.
func (h *Hub) Attach(sessionID string) (*Viewer, error) {
	h.mu.RLock()
	sh := h.sessions[sessionID]
	h.mu.RUnlock()
	if sh == nil {
		return nil, ErrUnknownSession
	}

	v := &Viewer{
		id: uuid.NewString(),
		ch: make(chan Notification, h.buffer),
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil, ErrUnknownSession
	}
	v.ch <- sh.snapshot()
	sh.viewers[v.id] = v
	return v, nil
}

// Detach removes one viewer. No effect on the session.
func (h *Hub) Detach(sessionID string, v *Viewer) {
	h.mu.RLock()
	sh := h.sessions[sessionID]
	h.mu.RUnlock()
	if sh == nil || v == nil {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.viewers[v.id]; ok {
		delete(sh.viewers, v.id)
		close(v.ch)
	}
}

// Publish fans a frame out to every viewer of a session. Fire-and-forget:
// a viewer whose buffer is full is detached so one slow consumer cannot
// stall the matcher.
func (h *Hub) Publish(sessionID string, n Notification) {
	h.mu.RLock()
	sh := h.sessions[sessionID]
	h.mu.RUnlock()
	if sh == nil {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	for id, v := range sh.viewers {
		select {
		case v.ch <- n:
		default:
			h.log.Warn("dropping slow viewer",
				slog.String("session_id", sessionID),
				slog.String("viewer_id", id))
			delete(sh.viewers, id)
			close(v.ch)
		}
	}
}

// Resync returns the current snapshot frame for a session without attaching.
func (h *Hub) Resync(sessionID string) (Notification, error) {
	h.mu.RLock()
	sh := h.sessions[sessionID]
	h.mu.RUnlock()
	if sh == nil {
		return Notification{}, ErrUnknownSession
	}
	return sh.snapshot(), nil
}

// ViewerCount reports the attached viewers of a session.
func (h *Hub) ViewerCount(sessionID string) int {
	h.mu.RLock()
	sh := h.sessions[sessionID]
	h.mu.RUnlock()
	if sh == nil {
		return 0
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.viewers)
}

// TotalViewers reports attached viewers across all sessions.
func (h *Hub) TotalViewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, sh := range h.sessions {
		sh.mu.Lock()
		total += len(sh.viewers)
		sh.mu.Unlock()
	}
	return total
}
