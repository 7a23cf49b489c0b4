package align

import "time"

// EventKind classifies matcher decisions for the append-only event log.
type EventKind string

const (
	EventMatched           EventKind = "matched"
	EventSkipped           EventKind = "skipped"
	EventNoMatch           EventKind = "no_match"
	EventWrongMatchFlagged EventKind = "wrong_match_flagged"
)

// Event is one append-only log entry produced on a matcher decision. Never
// mutated after creation; consumed later for quality review and retraining
// data export.
type Event struct {
	SessionID    string
	Kind         EventKind
	SpokenText   string
	SegmentID    int64
	SegmentOrder int // -1 when the event refers to no segment
	Score        float64
	Threshold    float64
	SkippedFrom  int
	SkippedTo    int
	Timestamp    time.Time
}

// MatcherConfig carries the tunables of the scoring loop.
type MatcherConfig struct {
	InitialThreshold float64
	ThresholdFloor   float64
	DecayStep        float64
	DecayAfterMisses int
	Lookahead        int
}

// Decision is the outcome of scoring one buffer snapshot.
type Decision struct {
	Matched   bool
	Segment   *Segment
	Skipped   []Segment
	Score     float64
	Threshold float64
	Candidate *Segment
	Events    []Event
}

// Matcher scores the rolling buffer against a bounded lookahead window of
// upcoming segments. A failed match is an expected, recoverable condition;
// the matcher never raises an error.
type Matcher struct {
	cfg       MatcherConfig
	threshold float64
	misses    int
	clock     func() time.Time
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	return &Matcher{
		cfg:       cfg,
		threshold: cfg.InitialThreshold,
		clock:     time.Now,
	}
}

// Threshold reports the currently active threshold, including any decay.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match scores the buffer snapshot and the newest single fragment against
// every candidate and takes the better of the two scopes per candidate: a
// long buffer can drown a short segment, a single chunk can be too thin for
// a long one. Ties prefer the smaller order, since large unjustified jumps
// are riskier than small ones.
//
// On a confirmed match the state advances, bypassed segments are emitted as
// skipped events (visible, logged, never swallowed), and the threshold is
// restored to its initial value. On a miss the threshold decays toward the
// floor after enough consecutive misses, so a noisy stretch cannot wedge the
// session permanently.
func (m *Matcher) Match(state *State, bufferText, newest string) Decision {
	now := m.clock()
	decision := Decision{Threshold: m.threshold}

	candidates := state.Candidates(m.cfg.Lookahead)
	var best *Segment
	bestScore := 0.0
	for i := range candidates {
		score := Similarity(bufferText, candidates[i].SourceText)
		if s := Similarity(newest, candidates[i].SourceText); s > score {
			score = s
		}
		if best == nil || score > bestScore {
			seg := candidates[i]
			best = &seg
			bestScore = score
		}
	}

	decision.Score = bestScore
	decision.Candidate = best

	if best == nil || bestScore < m.threshold {
		decision.Events = append(decision.Events, Event{
			SessionID:    state.SessionID,
			Kind:         EventNoMatch,
			SpokenText:   bufferText,
			SegmentOrder: -1,
			Score:        bestScore,
			Threshold:    m.threshold,
			Timestamp:    now,
		})
		m.misses++
		if m.misses >= m.cfg.DecayAfterMisses {
			m.decay()
			m.misses = 0
		}
		return decision
	}

	from := state.CurrentIndex
	skipped := state.Advance(best.Order, bestScore)
	for _, seg := range skipped {
		decision.Events = append(decision.Events, Event{
			SessionID:    state.SessionID,
			Kind:         EventSkipped,
			SegmentID:    seg.ID,
			SegmentOrder: seg.Order,
			Threshold:    m.threshold,
			SkippedFrom:  from,
			SkippedTo:    best.Order,
			Timestamp:    now,
		})
	}
	decision.Events = append(decision.Events, Event{
		SessionID:    state.SessionID,
		Kind:         EventMatched,
		SpokenText:   bufferText,
		SegmentID:    best.ID,
		SegmentOrder: best.Order,
		Score:        bestScore,
		Threshold:    m.threshold,
		Timestamp:    now,
	})

	decision.Matched = true
	decision.Segment = best
	decision.Skipped = skipped

	m.threshold = m.cfg.InitialThreshold
	m.misses = 0

	return decision
}

func (m *Matcher) decay() {
	m.threshold -= m.cfg.DecayStep
	if m.threshold < m.cfg.ThresholdFloor {
		m.threshold = m.cfg.ThresholdFloor
	}
}
