package sermon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.SermonStoreConfig{Path: filepath.Join(t.TempDir(), "sermons.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open sermon store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadVettedSegmentsOrdered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sermonID, err := s.CreateSermon(ctx, "Khutbah Sabar", "Ustaz Rahman", "vetted")
	if err != nil {
		t.Fatalf("create sermon: %v", err)
	}
	// Inserted out of order on purpose; the load must sort by segment_order.
	if _, err := s.AddSegment(ctx, sermonID, 2, "kedua", "second", 0.9, true); err != nil {
		t.Fatalf("add segment: %v", err)
	}
	if _, err := s.AddSegment(ctx, sermonID, 1, "pertama", "first", 0.8, true); err != nil {
		t.Fatalf("add segment: %v", err)
	}
	if _, err := s.AddSegment(ctx, sermonID, 3, "ketiga", "", 0.5, false); err != nil {
		t.Fatalf("add segment: %v", err)
	}

	segments, err := s.LoadVettedSegments(ctx, sermonID)
	if err != nil {
		t.Fatalf("load segments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 vetted segments, got %d", len(segments))
	}
	if segments[0].Order != 1 || segments[1].Order != 2 {
		t.Fatalf("expected segments ordered by segment_order, got %+v", segments)
	}
	if segments[0].ApprovedCaption != "first" {
		t.Fatalf("unexpected caption: %q", segments[0].ApprovedCaption)
	}
}

func TestLoadVettedSegmentsEmptyIsFatal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sermonID, err := s.CreateSermon(ctx, "Draft", "", "draft")
	if err != nil {
		t.Fatalf("create sermon: %v", err)
	}
	if _, err := s.AddSegment(ctx, sermonID, 1, "belum vetted", "", 0, false); err != nil {
		t.Fatalf("add segment: %v", err)
	}

	if _, err := s.LoadVettedSegments(ctx, sermonID); !errors.Is(err, align.ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func TestSermonNotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.Sermon(context.Background(), 404); !errors.Is(err, ErrSermonNotFound) {
		t.Fatalf("expected ErrSermonNotFound, got %v", err)
	}
}

func TestSermonMetadata(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.CreateSermon(ctx, "Khutbah Jumaat", "Ustaz Karim", "vetted")
	if err != nil {
		t.Fatalf("create sermon: %v", err)
	}
	m, err := s.Sermon(ctx, id)
	if err != nil {
		t.Fatalf("fetch sermon: %v", err)
	}
	if m.Title != "Khutbah Jumaat" || m.Speaker != "Ustaz Karim" || m.Status != "vetted" {
		t.Fatalf("unexpected sermon: %+v", m)
	}
}
