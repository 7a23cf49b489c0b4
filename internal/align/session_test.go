package align

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewStateRejectsEmptyScript(t *testing.T) {
	_, err := NewState(1, nil, time.Now())
	if !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func TestNewStateRejectsUnorderedSegments(t *testing.T) {
	segments := []Segment{
		{ID: 1, Order: 2, SourceText: "b"},
		{ID: 2, Order: 1, SourceText: "a"},
	}
	if _, err := NewState(1, segments, time.Now()); err == nil {
		t.Fatal("expected error for non-increasing orders")
	}
}

func TestNewStateDefaults(t *testing.T) {
	state, err := NewState(9, testSegments(), time.Now())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if state.CurrentIndex != -1 {
		t.Fatalf("expected currentIndex -1 before first match, got %d", state.CurrentIndex)
	}
	if state.Status != StatusListening {
		t.Fatalf("expected listening status, got %s", state.Status)
	}
	if !strings.HasPrefix(state.SessionID, "live_9_") {
		t.Fatalf("unexpected session id format: %s", state.SessionID)
	}
}

func TestCandidatesRespectLookahead(t *testing.T) {
	state, _ := NewState(1, testSegments(), time.Now())
	if got := len(state.Candidates(2)); got != 2 {
		t.Fatalf("expected 2 candidates, got %d", got)
	}
	state.CurrentIndex = 3
	cands := state.Candidates(10)
	if len(cands) != 2 || cands[0].Order != 4 {
		t.Fatalf("expected forward-only candidates 4 and 5, got %+v", cands)
	}
}

func TestAdvanceTracksTallies(t *testing.T) {
	state, _ := NewState(1, testSegments(), time.Now())
	skipped := state.Advance(3, 0.8)
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d", len(skipped))
	}
	state.Advance(4, 0.6)
	if state.Matched != 2 || state.Skipped != 2 {
		t.Fatalf("unexpected tallies: matched=%d skipped=%d", state.Matched, state.Skipped)
	}
	if avg := state.AverageScore(); avg < 0.699 || avg > 0.701 {
		t.Fatalf("expected average 0.7, got %v", avg)
	}
	min, max := state.ScoreBounds()
	if min != 0.6 || max != 0.8 {
		t.Fatalf("unexpected bounds %v %v", min, max)
	}
}

func TestAdvanceIgnoresRewind(t *testing.T) {
	state, _ := NewState(1, testSegments(), time.Now())
	state.Advance(4, 0.9)
	if skipped := state.Advance(2, 0.9); skipped != nil {
		t.Fatalf("expected rewind ignored, got %+v", skipped)
	}
	if state.CurrentIndex != 4 {
		t.Fatalf("expected currentIndex to hold at 4, got %d", state.CurrentIndex)
	}
}

func TestPositionCounters(t *testing.T) {
	state, _ := NewState(1, testSegments(), time.Now())
	if state.Position() != 0 {
		t.Fatalf("expected position 0 before first match, got %d", state.Position())
	}
	state.Advance(3, 0.9)
	if state.Position() != 3 {
		t.Fatalf("expected position 3, got %d", state.Position())
	}
	if state.TotalSegments() != 5 {
		t.Fatalf("expected 5 total segments, got %d", state.TotalSegments())
	}
	if cur := state.Current(); cur == nil || cur.Order != 3 {
		t.Fatalf("unexpected current segment: %+v", cur)
	}
}
