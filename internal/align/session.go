package align

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the viewer-visible session status vocabulary.
type Status string

const (
	StatusListening Status = "listening"
	StatusWaiting   Status = "waiting"
	StatusEnded     Status = "ended"
)

// ErrNoSegments is session-fatal: a session may not start without a vetted,
// non-empty script.
var ErrNoSegments = errors.New("sermon has no vetted segments")

// Segment is one ordered, pre-approved unit of source text with its approved
// caption. Immutable once a session starts.
type Segment struct {
	ID              int64
	Order           int
	SourceText      string
	ApprovedCaption string
	Confidence      float64
}

// State is the durable per-session alignment state. It is exclusively owned
// by the session's worker goroutine; no locks by construction.
type State struct {
	SessionID string
	SermonID  int64
	Segments  []Segment

	// CurrentIndex is the order of the last matched segment, -1 before the
	// first match. Monotonically non-decreasing for the session's lifetime.
	CurrentIndex   int
	LastMatchScore float64
	StartedAt      time.Time
	Status         Status

	Matched      int
	Skipped      int
	WrongMatches int
	scoreSum     float64
	minScore     float64
	maxScore     float64
}

// NewState builds session state over an ordered segment list. Rejects empty
// scripts: that is the one hard error the alignment engine raises.
func NewState(sermonID int64, segments []Segment, now time.Time) (*State, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Order <= segments[i-1].Order {
			return nil, fmt.Errorf("segment orders must be strictly increasing: %d after %d",
				segments[i].Order, segments[i-1].Order)
		}
	}
	return &State{
		SessionID:    newSessionID(sermonID, now),
		SermonID:     sermonID,
		Segments:     segments,
		CurrentIndex: -1,
		StartedAt:    now,
		Status:       StatusListening,
	}, nil
}

func newSessionID(sermonID int64, now time.Time) string {
	return fmt.Sprintf("live_%d_%s_%s", sermonID, now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// Candidates returns up to limit segments strictly ahead of CurrentIndex.
// The past is immutable; the matcher never searches backward.
func (s *State) Candidates(limit int) []Segment {
	var out []Segment
	for _, seg := range s.Segments {
		if seg.Order <= s.CurrentIndex {
			continue
		}
		out = append(out, seg)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Advance moves the position pointer to order and returns the segments that
// were bypassed, in order. Callers must only pass orders ahead of
// CurrentIndex; the matcher guarantees this.
func (s *State) Advance(order int, score float64) []Segment {
	if order <= s.CurrentIndex {
		return nil
	}
	var skipped []Segment
	for _, seg := range s.Segments {
		if seg.Order > s.CurrentIndex && seg.Order < order {
			skipped = append(skipped, seg)
		}
	}
	s.CurrentIndex = order
	s.LastMatchScore = score
	s.Matched++
	s.Skipped += len(skipped)
	s.scoreSum += score
	if s.Matched == 1 || score < s.minScore {
		s.minScore = score
	}
	if score > s.maxScore {
		s.maxScore = score
	}
	return skipped
}

// Current returns the last matched segment, or nil before the first match.
func (s *State) Current() *Segment {
	return s.SegmentAt(s.CurrentIndex)
}

// SegmentAt returns the segment with the given order, or nil.
func (s *State) SegmentAt(order int) *Segment {
	for i := range s.Segments {
		if s.Segments[i].Order == order {
			return &s.Segments[i]
		}
	}
	return nil
}

// Position returns the 1-based position of the current segment within the
// script, 0 before the first match.
func (s *State) Position() int {
	for i := range s.Segments {
		if s.Segments[i].Order == s.CurrentIndex {
			return i + 1
		}
	}
	return 0
}

// TotalSegments reports the script length.
func (s *State) TotalSegments() int {
	return len(s.Segments)
}

// AverageScore reports the mean score across matches, 0 when none.
func (s *State) AverageScore() float64 {
	if s.Matched == 0 {
		return 0
	}
	return s.scoreSum / float64(s.Matched)
}

// ScoreBounds reports the min and max match scores seen, (0,0) when none.
func (s *State) ScoreBounds() (min, max float64) {
	if s.Matched == 0 {
		return 0, 0
	}
	return s.minScore, s.maxScore
}
