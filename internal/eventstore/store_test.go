package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	// Everything is a no-op without a database.
	if err := es.AppendEvent(context.Background(), align.Event{SessionID: "s"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()

	sessionID := "live_1_test"
	if err := es.AppendSession(ctx, sessionID, 1, time.Now()); err != nil {
		t.Fatalf("append session: %v", err)
	}
	events := []align.Event{
		{SessionID: sessionID, Kind: align.EventSkipped, SegmentID: 11, SegmentOrder: 1, SkippedFrom: -1, SkippedTo: 3},
		{SessionID: sessionID, Kind: align.EventSkipped, SegmentID: 12, SegmentOrder: 2, SkippedFrom: -1, SkippedTo: 3},
		{SessionID: sessionID, Kind: align.EventMatched, SpokenText: "teks", SegmentID: 13, SegmentOrder: 3, Score: 0.91, Threshold: 0.45},
	}
	for _, evt := range events {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	got, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Kind != "skipped" || got[2].Kind != "matched" {
		t.Fatalf("unexpected event order: %+v", got)
	}
	if got[2].Score != 0.91 {
		t.Fatalf("unexpected score: %v", got[2].Score)
	}
}

func TestFinalizeSession(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := es.AppendSession(ctx, "live_2_test", 2, started); err != nil {
		t.Fatalf("append session: %v", err)
	}
	sum := Summary{
		SessionID: "live_2_test",
		SermonID:  2,
		Status:    "completed",
		StartedAt: started,
		EndedAt:   started.Add(45 * time.Minute),
		Matched:   40,
		Skipped:   3,
		AvgScore:  0.71,
		MinScore:  0.46,
		MaxScore:  0.98,
	}
	if err := es.FinalizeSession(ctx, sum); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := es.SessionSummary(ctx, "live_2_test")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.Status != "completed" || got.Matched != 40 || got.Skipped != 3 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.AvgScore != 0.71 {
		t.Fatalf("unexpected avg score: %v", got.AvgScore)
	}
}

func TestWeakSegmentsReport(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()

	if err := es.AppendSession(ctx, "live_3_a", 3, time.Now()); err != nil {
		t.Fatalf("append session: %v", err)
	}
	events := []align.Event{
		{SessionID: "live_3_a", Kind: align.EventMatched, SegmentID: 31, SegmentOrder: 1, Score: 0.95},
		{SessionID: "live_3_a", Kind: align.EventMatched, SegmentID: 32, SegmentOrder: 2, Score: 0.30},
		{SessionID: "live_3_a", Kind: align.EventSkipped, SegmentID: 33, SegmentOrder: 3},
	}
	for _, evt := range events {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	weak, err := es.WeakSegments(ctx, 3, 0.5, 10)
	if err != nil {
		t.Fatalf("weak segments: %v", err)
	}
	ids := map[int64]bool{}
	for _, w := range weak {
		ids[w.SegmentID] = true
	}
	if !ids[32] {
		t.Fatal("expected low-scoring segment 32 in the report")
	}
	if !ids[33] {
		t.Fatal("expected skipped segment 33 in the report")
	}
	if ids[31] {
		t.Fatal("did not expect the strong segment 31 in the report")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", 1, es.clock()); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), align.Event{SessionID: "old-session", Kind: align.EventNoMatch}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", 1, es.clock()); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
