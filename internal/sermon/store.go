package sermon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/config"
	_ "modernc.org/sqlite"
)

// ErrSermonNotFound is returned when the sermon id is unknown.
var ErrSermonNotFound = errors.New("sermon not found")

// Sermon is the script metadata produced by the offline vetting workflow.
type Sermon struct {
	ID        int64
	Title     string
	Speaker   string
	Status    string
	CreatedAt time.Time
}

// Store reads the ordered, vetted segment lists the offline workflow wrote.
// The live engine only ever reads; segments are immutable once a session
// starts.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open initializes the sermon store, creating the schema if missing so the
// offline tooling and the live engine can share one file.
func Open(ctx context.Context, cfg config.SermonStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sermons (
    sermon_id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    speaker TEXT,
    status TEXT DEFAULT 'draft',
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    segment_id INTEGER PRIMARY KEY AUTOINCREMENT,
    sermon_id INTEGER NOT NULL,
    segment_order INTEGER NOT NULL,
    source_text TEXT NOT NULL,
    approved_caption TEXT,
    confidence REAL,
    is_vetted INTEGER DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(sermon_id) REFERENCES sermons(sermon_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_sermon_order ON segments(sermon_id, segment_order);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Sermon fetches script metadata.
func (s *Store) Sermon(ctx context.Context, sermonID int64) (Sermon, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sermon_id, title, COALESCE(speaker, ''), COALESCE(status, ''), created_at
		 FROM sermons WHERE sermon_id = ?`, sermonID)

	var m Sermon
	var created string
	if err := row.Scan(&m.ID, &m.Title, &m.Speaker, &m.Status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Sermon{}, ErrSermonNotFound
		}
		return Sermon{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		m.CreatedAt = ts
	}
	return m, nil
}

// LoadVettedSegments returns the full ordered segment list for one sermon.
// Only vetted segments with an approved caption qualify; a sermon with none
// cannot go live.
func (s *Store) LoadVettedSegments(ctx context.Context, sermonID int64) ([]align.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, segment_order, source_text, approved_caption, COALESCE(confidence, 0)
		 FROM segments
		 WHERE sermon_id = ? AND is_vetted = 1 AND approved_caption IS NOT NULL
		 ORDER BY segment_order ASC`, sermonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []align.Segment
	for rows.Next() {
		var seg align.Segment
		if err := rows.Scan(&seg.ID, &seg.Order, &seg.SourceText, &seg.ApprovedCaption, &seg.Confidence); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, align.ErrNoSegments
	}
	return segments, nil
}

// CreateSermon inserts a sermon row. Used by import tooling and tests; the
// live engine never writes here.
func (s *Store) CreateSermon(ctx context.Context, title, speaker, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sermons(title, speaker, status, created_at) VALUES(?, ?, ?, ?)`,
		title, speaker, status, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddSegment inserts one segment row for a sermon.
func (s *Store) AddSegment(ctx context.Context, sermonID int64, order int, sourceText, approvedCaption string, confidence float64, vetted bool) (int64, error) {
	vettedInt := 0
	if vetted {
		vettedInt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(sermon_id, segment_order, source_text, approved_caption, confidence, is_vetted, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sermonID, order, sourceText, approvedCaption, confidence, vettedInt, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
