package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minbarlabs/minbar-core/internal/align"
	"github.com/minbarlabs/minbar-core/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one persisted alignment decision. Append-only; never mutated.
type Event struct {
	ID           int64
	SessionID    string
	Kind         string
	SpokenText   string
	SegmentID    int64
	SegmentOrder int
	Score        float64
	Threshold    float64
	SkippedFrom  int
	SkippedTo    int
	CreatedAt    time.Time
}

// Summary is the aggregate rollup written when a session ends.
type Summary struct {
	SessionID    string
	SermonID     int64
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	Matched      int
	Skipped      int
	WrongMatches int
	AvgScore     float64
	MinScore     float64
	MaxScore     float64
}

// WeakSegment flags a segment whose live matching was historically weak,
// candidate data for re-vetting or retraining.
type WeakSegment struct {
	SegmentID    int64
	SegmentOrder int
	AvgScore     float64
	MatchCount   int
	SkipCount    int
}

// Store wraps the SQLite-backed alignment event log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

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

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    sermon_id INTEGER NOT NULL,
    status TEXT DEFAULT 'active',
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    duration_seconds INTEGER,
    matched INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    wrong_matches INTEGER DEFAULT 0,
    avg_score REAL,
    min_score REAL,
    max_score REAL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    spoken_text TEXT,
    segment_id INTEGER,
    segment_order INTEGER,
    score REAL,
    threshold REAL,
    skipped_from INTEGER,
    skipped_to INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists before its events arrive.
func (s *Store) AppendSession(ctx context.Context, sessionID string, sermonID int64, startedAt time.Time) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, sermon_id, started_at, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, sermonID, startedAt.UTC(), s.clock().UTC())
	return err
}

// AppendEvent writes one alignment decision into the log.
func (s *Store) AppendEvent(ctx context.Context, evt align.Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, spoken_text, segment_id, segment_order, score, threshold, skipped_from, skipped_to, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, string(evt.Kind), evt.SpokenText, evt.SegmentID, evt.SegmentOrder,
		evt.Score, evt.Threshold, evt.SkippedFrom, evt.SkippedTo, ts.UTC())
	return err
}

// FinalizeSession writes the aggregate rollup when a session ends.
func (s *Store) FinalizeSession(ctx context.Context, sum Summary) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	duration := int(sum.EndedAt.Sub(sum.StartedAt).Seconds())
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, ended_at = ?, duration_seconds = ?,
		     matched = ?, skipped = ?, wrong_matches = ?,
		     avg_score = ?, min_score = ?, max_score = ?
		 WHERE session_id = ?`,
		sum.Status, sum.EndedAt.UTC(), duration,
		sum.Matched, sum.Skipped, sum.WrongMatches,
		sum.AvgScore, sum.MinScore, sum.MaxScore,
		sum.SessionID)
	return err
}

// SessionSummary fetches one session's rollup after it ended.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return Summary{}, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, sermon_id, COALESCE(status, ''), started_at, COALESCE(ended_at, started_at),
		        matched, skipped, wrong_matches,
		        COALESCE(avg_score, 0), COALESCE(min_score, 0), COALESCE(max_score, 0)
		 FROM sessions WHERE session_id = ?`, sessionID)

	var sum Summary
	var started, ended string
	if err := row.Scan(&sum.SessionID, &sum.SermonID, &sum.Status, &started, &ended,
		&sum.Matched, &sum.Skipped, &sum.WrongMatches,
		&sum.AvgScore, &sum.MinScore, &sum.MaxScore); err != nil {
		return Summary{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		sum.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, ended); err == nil {
		sum.EndedAt = ts
	}
	return sum, nil
}

// ListSessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, COALESCE(spoken_text, ''), COALESCE(segment_id, 0), COALESCE(segment_order, -1),
		        COALESCE(score, 0), COALESCE(threshold, 0), COALESCE(skipped_from, 0), COALESCE(skipped_to, 0), created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.SpokenText, &e.SegmentID, &e.SegmentOrder,
			&e.Score, &e.Threshold, &e.SkippedFrom, &e.SkippedTo, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// WeakSegments reports segments of a sermon whose historical matched score
// averaged below maxScore, or that were skipped at least once. The vetting
// workflow reads this to pick re-review candidates.
func (s *Store) WeakSegments(ctx context.Context, sermonID int64, maxScore float64, limit int) ([]WeakSegment, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.segment_id, e.segment_order,
		        COALESCE(AVG(CASE WHEN e.kind = 'matched' THEN e.score END), 0) AS avg_score,
		        SUM(CASE WHEN e.kind = 'matched' THEN 1 ELSE 0 END) AS match_count,
		        SUM(CASE WHEN e.kind = 'skipped' THEN 1 ELSE 0 END) AS skip_count
		 FROM events e
		 JOIN sessions se ON se.session_id = e.session_id
		 WHERE se.sermon_id = ? AND e.segment_id > 0 AND e.kind IN ('matched', 'skipped')
		 GROUP BY e.segment_id, e.segment_order
		 HAVING avg_score < ? OR skip_count > 0
		 ORDER BY avg_score ASC, skip_count DESC
		 LIMIT ?`, sermonID, maxScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeakSegment
	for rows.Next() {
		var w WeakSegment
		if err := rows.Scan(&w.SegmentID, &w.SegmentOrder, &w.AvgScore, &w.MatchCount, &w.SkipCount); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
