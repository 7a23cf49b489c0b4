package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/eventstore"
	"github.com/minbarlabs/minbar-core/internal/hub"
	"github.com/minbarlabs/minbar-core/internal/protocol"
)

// Session runs one live alignment loop. A single worker goroutine owns the
// buffer, matcher, and state; everything other goroutines may read comes
// through the published snapshot.
type Session struct {
	sup *Supervisor
	log *slog.Logger

	state   *align.State
	buffer  *align.Buffer
	matcher *align.Matcher

	fragments chan protocol.TranscriptFragment
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	// endStatus is read by the worker when its context is cancelled.
	endStatus atomic.Value // string
	snapshot  atomic.Value // protocol.ResyncMessage
	degraded  atomic.Bool

	flagMu    sync.Mutex
	lastMatch *align.Event
	flagged   int
}

func (s *Supervisor) newSession(state *align.State) *Session {
	cfg := s.cfg
	sess := &Session{
		sup: s,
		log: s.log.With(
			slog.String("component", "session"),
			slog.String("session_id", state.SessionID)),
		state:   state,
		buffer:  align.NewBuffer(cfg.BufferMaxChunks, cfg.BufferMaxChars),
		matcher: align.NewMatcher(align.MatcherConfig{
			InitialThreshold: cfg.InitialThreshold,
			ThresholdFloor:   cfg.ThresholdFloor,
			DecayStep:        cfg.DecayStep,
			DecayAfterMisses: cfg.DecayAfterMisses,
			Lookahead:        cfg.LookaheadLimit,
		}),
		fragments: make(chan protocol.TranscriptFragment, 64),
		done:      make(chan struct{}),
	}
	sess.endStatus.Store("completed")
	sess.snapshot.Store(sess.buildResync())
	return sess
}

func (s *Session) ID() string { return s.state.SessionID }

func (s *Session) SermonID() int64 { return s.state.SermonID }

func (s *Session) StartedAt() time.Time { return s.state.StartedAt }

// Done is closed once the worker has flushed and unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Offer enqueues a fragment without blocking. When the queue is full the
// oldest fragment is discarded: under sustained overload the freshest speech
// is the only speech worth matching.
func (s *Session) Offer(frag protocol.TranscriptFragment) bool {
	select {
	case s.fragments <- frag:
		return true
	default:
	}
	select {
	case <-s.fragments:
	default:
	}
	select {
	case s.fragments <- frag:
		return true
	default:
		return false
	}
}

func (s *Session) stop(status string) {
	s.stopOnce.Do(func() {
		s.endStatus.Store(status)
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

func (s *Session) flagLastMatch(ctx context.Context, notes string) error {
	s.flagMu.Lock()
	last := s.lastMatch
	if last != nil {
		s.flagged++
	}
	s.flagMu.Unlock()
	if last == nil {
		return ErrNoMatchToFlag
	}

	evt := align.Event{
		SessionID:    s.ID(),
		Kind:         align.EventWrongMatchFlagged,
		SpokenText:   notes,
		SegmentID:    last.SegmentID,
		SegmentOrder: last.SegmentOrder,
		Score:        last.Score,
		Threshold:    last.Threshold,
		Timestamp:    time.Now(),
	}
	if err := s.sup.events.AppendEvent(ctx, evt); err != nil {
		s.markDegraded(err)
	}
	s.log.Info("last match flagged as wrong",
		slog.Int64("segment_id", last.SegmentID),
		slog.Int("segment_order", last.SegmentOrder))
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	dropout := time.Duration(s.sup.cfg.DropoutTimeoutMS) * time.Millisecond
	grace := time.Duration(s.sup.cfg.GraceTimeoutMS) * time.Millisecond
	lastInput := time.Now()
	timer := time.NewTimer(dropout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish(s.endStatus.Load().(string))
			return

		case frag := <-s.fragments:
			lastInput = time.Now()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(dropout)
			s.handleFragment(ctx, frag)

		case <-timer.C:
			if time.Since(lastInput) >= grace {
				s.log.Info("no input past grace period; ending session")
				s.endStatus.Store("timeout")
				s.finish("timeout")
				return
			}
			if s.state.Status == align.StatusListening {
				s.state.Status = align.StatusWaiting
				s.log.Info("input stream stalled; waiting")
				s.broadcastStatus()
				s.publishSnapshot()
			}
			timer.Reset(dropout)
		}
	}
}

func (s *Session) handleFragment(ctx context.Context, frag protocol.TranscriptFragment) {
	if s.state.Status == align.StatusWaiting {
		s.state.Status = align.StatusListening
		s.broadcastStatus()
	}

	at := frag.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	s.buffer.Append(frag.Text, at)

	bufferText := s.buffer.Snapshot()
	chunks := s.buffer.Chunks()
	decision := s.matcher.Match(s.state, bufferText, s.buffer.Newest())
	s.persistEvents(ctx, decision.Events)

	if decision.Matched {
		s.buffer.Flush()
		s.rememberMatch(decision)
		s.broadcastMatch(decision)
		s.sup.recordMatch(ctx, len(decision.Skipped))
		for _, seg := range decision.Skipped {
			s.log.Info("segment skipped to keep pace with the speaker",
				slog.Int("segment_order", seg.Order),
				slog.Int("jumped_to", decision.Segment.Order))
		}
		s.log.Info("segment matched",
			slog.Int("segment_order", decision.Segment.Order),
			slog.Float64("score", decision.Score),
			slog.Int("position", s.state.Position()),
			slog.Int("total", s.state.TotalSegments()))
	} else if s.sup.cfg.BroadcastDiagnostics {
		s.broadcastDiagnostic(frag.Text, bufferText, chunks, decision)
	}

	s.publishSnapshot()
}

func (s *Session) rememberMatch(d align.Decision) {
	for i := range d.Events {
		if d.Events[i].Kind == align.EventMatched {
			s.flagMu.Lock()
			evt := d.Events[i]
			s.lastMatch = &evt
			s.flagMu.Unlock()
			return
		}
	}
}

func (s *Session) persistEvents(ctx context.Context, events []align.Event) {
	for _, evt := range events {
		if err := s.sup.events.AppendEvent(ctx, evt); err != nil {
			s.markDegraded(err)
		}
	}
}

// markDegraded logs the first storage failure loudly, later ones quietly. The
// session itself keeps captioning; losing the live stream hurts more than
// losing retraining data.
func (s *Session) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Warn("event log write failed; continuing with degraded logging",
			slog.String("error", err.Error()))
		return
	}
	s.log.Debug("event log write failed", slog.String("error", err.Error()))
}

func (s *Session) finish(status string) {
	s.state.Status = align.StatusEnded
	s.publishSnapshot()
	s.broadcastEnded(status)

	s.flagMu.Lock()
	flagged := s.flagged
	s.flagMu.Unlock()

	// The worker context is already cancelled on the stop path; the final
	// rollup still has to land.
	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()

	minScore, maxScore := s.state.ScoreBounds()
	sum := eventstore.Summary{
		SessionID:    s.ID(),
		SermonID:     s.SermonID(),
		Status:       status,
		StartedAt:    s.state.StartedAt,
		EndedAt:      time.Now(),
		Matched:      s.state.Matched,
		Skipped:      s.state.Skipped,
		WrongMatches: flagged,
		AvgScore:     s.state.AverageScore(),
		MinScore:     minScore,
		MaxScore:     maxScore,
	}
	if err := s.sup.events.FinalizeSession(ctx, sum); err != nil {
		s.log.Warn("failed to finalize session summary", slog.String("error", err.Error()))
	}

	if s.sup.ingest != nil {
		s.sup.ingest.Unbind(s.ID())
	}
	if s.sup.bridge != nil {
		s.sup.bridge.Unregister(s.ID())
	}
	s.sup.hub.Unregister(s.ID())
	s.sup.remove(s)

	s.log.Info("session ended",
		slog.String("status", status),
		slog.Int("matched", s.state.Matched),
		slog.Int("skipped", s.state.Skipped),
		slog.Int("wrong_matches", flagged),
		slog.Float64("avg_score", s.state.AverageScore()),
		slog.Duration("duration", time.Since(s.state.StartedAt)))
}

// broadcast marshals a frame once and hands the same bytes to the in-process
// hub and the bus bridge, so every viewer sees identical frames.
func (s *Session) broadcast(kind string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to encode viewer frame",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		return
	}
	n := hub.Notification{Kind: kind, Data: data}
	s.sup.hub.Publish(s.ID(), n)
	if s.sup.bridge != nil {
		s.sup.bridge.Publish(s.ID(), n)
	}
}

func (s *Session) broadcastStarted() {
	s.broadcast(protocol.KindStarted, protocol.StartedMessage{
		Type:           protocol.KindStarted,
		Status:         string(s.state.Status),
		SessionID:      s.ID(),
		SermonID:       s.SermonID(),
		SegmentsLoaded: s.state.TotalSegments(),
	})
}

func (s *Session) broadcastStatus() {
	s.broadcast(protocol.KindStatus, protocol.StatusMessage{
		Type:   protocol.KindStatus,
		Status: string(s.state.Status),
	})
}

func (s *Session) broadcastMatch(d align.Decision) {
	skipped := make([]protocol.SegmentPayload, 0, len(d.Skipped))
	for _, seg := range d.Skipped {
		skipped = append(skipped, segmentPayload(&seg))
	}
	s.broadcast(protocol.KindMatch, protocol.MatchMessage{
		Type:            protocol.KindMatch,
		Segment:         segmentPayloadPtr(d.Segment),
		SkippedSegments: skipped,
		Score:           d.Score,
		Threshold:       d.Threshold,
		Position:        s.state.Position(),
		TotalSegments:   s.state.TotalSegments(),
	})
}

func (s *Session) broadcastDiagnostic(spoken, bufferText string, chunks int, d align.Decision) {
	var cand *protocol.CandidateRef
	if d.Candidate != nil {
		cand = &protocol.CandidateRef{SegmentID: d.Candidate.ID, Order: d.Candidate.Order}
	}
	s.broadcast(protocol.KindDiagnostic, protocol.DiagnosticMessage{
		Type:         protocol.KindDiagnostic,
		Spoken:       spoken,
		BufferText:   bufferText,
		BufferChunks: chunks,
		Score:        d.Score,
		Matched:      d.Matched,
		Threshold:    d.Threshold,
		Candidate:    cand,
	})
}

func (s *Session) broadcastEnded(status string) {
	s.broadcast(protocol.KindEnded, protocol.EndedMessage{
		Type:      protocol.KindEnded,
		Status:    status,
		SessionID: s.ID(),
	})
}

// buildResync is only called from the worker (or before it starts); it reads
// worker-owned state directly.
func (s *Session) buildResync() protocol.ResyncMessage {
	return protocol.ResyncMessage{
		Type:          protocol.KindResync,
		SessionID:     s.state.SessionID,
		SermonID:      s.state.SermonID,
		Status:        string(s.state.Status),
		Segment:       segmentPayloadPtr(s.state.Current()),
		Position:      s.state.Position(),
		TotalSegments: s.state.TotalSegments(),
	}
}

func (s *Session) publishSnapshot() {
	s.snapshot.Store(s.buildResync())
}

// resyncView returns the latest published snapshot. Safe from any goroutine.
func (s *Session) resyncView() protocol.ResyncMessage {
	return s.snapshot.Load().(protocol.ResyncMessage)
}

// snapshotFrame serves late joiners: the stored snapshot with elapsed time
// computed at request time, encoded fresh per attach.
func (s *Session) snapshotFrame() hub.Notification {
	msg := s.resyncView()
	msg.ElapsedSeconds = int(time.Since(s.state.StartedAt).Seconds())
	data, err := json.Marshal(msg)
	if err != nil {
		data = []byte(`{"type":"resync"}`)
	}
	return hub.Notification{Kind: protocol.KindResync, Data: data}
}

func segmentPayload(seg *align.Segment) protocol.SegmentPayload {
	return protocol.SegmentPayload{
		SegmentID:       seg.ID,
		Order:           seg.Order,
		SourceText:      seg.SourceText,
		ApprovedCaption: seg.ApprovedCaption,
	}
}

func segmentPayloadPtr(seg *align.Segment) *protocol.SegmentPayload {
	if seg == nil {
		return nil
	}
	p := segmentPayload(seg)
	return &p
}
