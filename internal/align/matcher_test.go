package align

import (
	"math/rand"
	"testing"
	"time"
)

func testSegments() []Segment {
	return []Segment{
		{ID: 101, Order: 1, SourceText: "segala puji bagi allah tuhan sekalian alam", ApprovedCaption: "All praise is due to God, Lord of all worlds"},
		{ID: 102, Order: 2, SourceText: "marilah kita meningkatkan ketakwaan kepada allah", ApprovedCaption: "Let us increase our devotion to God"},
		{ID: 103, Order: 3, SourceText: "pada hari ini saya ingin berkongsi tentang sabar", ApprovedCaption: "Today I want to share about patience"},
		{ID: 104, Order: 4, SourceText: "sabar adalah separuh daripada iman", ApprovedCaption: "Patience is half of faith"},
		{ID: 105, Order: 5, SourceText: "semoga kita semua diberkati", ApprovedCaption: "May we all be blessed"},
	}
}

func testMatcherConfig() MatcherConfig {
	return MatcherConfig{
		InitialThreshold: 0.55,
		ThresholdFloor:   0.25,
		DecayStep:        0.05,
		DecayAfterMisses: 3,
		Lookahead:        10,
	}
}

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := NewState(7, testSegments(), time.Now())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return state
}

func TestMatchSkipsToVerbatimSegment(t *testing.T) {
	state := newTestState(t)
	m := NewMatcher(testMatcherConfig())

	spoken := "pada hari ini saya ingin berkongsi tentang sabar"
	decision := m.Match(state, spoken, spoken)

	if !decision.Matched {
		t.Fatalf("expected a match, got score %v", decision.Score)
	}
	if decision.Segment.Order != 3 {
		t.Fatalf("expected segment order 3, got %d", decision.Segment.Order)
	}
	if state.CurrentIndex != 3 {
		t.Fatalf("expected currentIndex 3, got %d", state.CurrentIndex)
	}
	if len(decision.Skipped) != 2 {
		t.Fatalf("expected 2 skipped segments, got %d", len(decision.Skipped))
	}
	if decision.Skipped[0].Order != 1 || decision.Skipped[1].Order != 2 {
		t.Fatalf("expected skipped orders 1 and 2, got %+v", decision.Skipped)
	}

	var kinds []EventKind
	for _, evt := range decision.Events {
		kinds = append(kinds, evt.Kind)
	}
	if len(kinds) != 3 || kinds[0] != EventSkipped || kinds[1] != EventSkipped || kinds[2] != EventMatched {
		t.Fatalf("expected [skipped skipped matched], got %v", kinds)
	}
}

func TestSkipCompleteness(t *testing.T) {
	state := newTestState(t)
	m := NewMatcher(testMatcherConfig())

	spoken := "semoga kita semua diberkati"
	decision := m.Match(state, spoken, spoken)
	if !decision.Matched || decision.Segment.Order != 5 {
		t.Fatalf("expected match on order 5, got %+v", decision)
	}

	seen := map[int]int{}
	for _, evt := range decision.Events {
		if evt.Kind == EventSkipped {
			seen[evt.SegmentOrder]++
			if evt.SkippedFrom != -1 || evt.SkippedTo != 5 {
				t.Fatalf("unexpected skip range %d..%d", evt.SkippedFrom, evt.SkippedTo)
			}
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected skip events for 4 orders, got %v", seen)
	}
	for order := 1; order <= 4; order++ {
		if seen[order] != 1 {
			t.Fatalf("expected exactly one skip event for order %d, got %d", order, seen[order])
		}
	}
}

func TestNoMatchKeepsPosition(t *testing.T) {
	state := newTestState(t)
	m := NewMatcher(testMatcherConfig())

	decision := m.Match(state, "completely unrelated chatter about football", "football")
	if decision.Matched {
		t.Fatal("expected no match")
	}
	if state.CurrentIndex != -1 {
		t.Fatalf("expected position unchanged, got %d", state.CurrentIndex)
	}
	if len(decision.Events) != 1 || decision.Events[0].Kind != EventNoMatch {
		t.Fatalf("expected a single no_match event, got %+v", decision.Events)
	}
}

func TestThresholdDecayAndRestore(t *testing.T) {
	state := newTestState(t)
	cfg := testMatcherConfig()
	m := NewMatcher(cfg)

	for i := 0; i < cfg.DecayAfterMisses; i++ {
		if m.Threshold() != cfg.InitialThreshold {
			t.Fatalf("threshold decayed too early at miss %d: %v", i, m.Threshold())
		}
		m.Match(state, "unrelated noise words here", "noise")
	}
	decayed := cfg.InitialThreshold - cfg.DecayStep
	if m.Threshold() != decayed {
		t.Fatalf("expected threshold %v after decay, got %v", decayed, m.Threshold())
	}

	spoken := "segala puji bagi allah tuhan sekalian alam"
	decision := m.Match(state, spoken, spoken)
	if !decision.Matched {
		t.Fatal("expected match after decay")
	}
	if m.Threshold() != cfg.InitialThreshold {
		t.Fatalf("expected threshold restored to %v, got %v", cfg.InitialThreshold, m.Threshold())
	}
}

func TestThresholdNeverBelowFloor(t *testing.T) {
	state := newTestState(t)
	cfg := testMatcherConfig()
	m := NewMatcher(cfg)

	for i := 0; i < 100; i++ {
		m.Match(state, "unrelated noise words here", "noise")
	}
	if m.Threshold() != cfg.ThresholdFloor {
		t.Fatalf("expected threshold pinned at floor %v, got %v", cfg.ThresholdFloor, m.Threshold())
	}
}

func TestTieBreakPrefersSmallerOrder(t *testing.T) {
	segments := []Segment{
		{ID: 1, Order: 1, SourceText: "kalimat yang sama persis"},
		{ID: 2, Order: 2, SourceText: "kalimat yang sama persis"},
	}
	state, err := NewState(1, segments, time.Now())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	m := NewMatcher(testMatcherConfig())

	decision := m.Match(state, "kalimat yang sama persis", "kalimat yang sama persis")
	if !decision.Matched {
		t.Fatal("expected match")
	}
	if decision.Segment.Order != 1 {
		t.Fatalf("expected the smaller order to win the tie, got %d", decision.Segment.Order)
	}
}

func TestExhaustedScriptNeverMatches(t *testing.T) {
	state := newTestState(t)
	m := NewMatcher(testMatcherConfig())

	spoken := "semoga kita semua diberkati"
	if d := m.Match(state, spoken, spoken); !d.Matched || d.Segment.Order != 5 {
		t.Fatalf("expected match on final segment, got %+v", d)
	}
	d := m.Match(state, spoken, spoken)
	if d.Matched {
		t.Fatal("expected no match after the script is exhausted")
	}
}

func TestCurrentIndexMonotonicUnderRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{
		"segala", "puji", "allah", "sabar", "iman", "kita", "hari",
		"berkongsi", "ketakwaan", "diberkati", "noise", "uh", "filler",
	}

	state := newTestState(t)
	m := NewMatcher(testMatcherConfig())
	buf := NewBuffer(5, 400)

	last := state.CurrentIndex
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(8)
		var frag []string
		for j := 0; j < n; j++ {
			frag = append(frag, words[rng.Intn(len(words))])
		}
		text := joinWords(frag)
		buf.Append(text, time.Now())
		decision := m.Match(state, buf.Snapshot(), text)
		if decision.Matched {
			buf.Flush()
		}
		if state.CurrentIndex < last {
			t.Fatalf("currentIndex regressed from %d to %d at step %d", last, state.CurrentIndex, i)
		}
		last = state.CurrentIndex
	}
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}
