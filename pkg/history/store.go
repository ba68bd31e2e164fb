// Package history keeps scan sessions and their results in PostgreSQL.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/teslashibe/go-scan/pkg/scan"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("history: session not found")

// Session is a stored capture session.
type Session struct {
	ID        string             `json:"id"`
	Config    scan.SessionConfig `json:"config"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	EndReason string             `json:"end_reason,omitempty"`
	Results   int                `json:"results"`
}

// Entry is a stored scan result.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Format    string    `json:"format"`
	Seq       uint64    `json:"seq"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Store is a PostgreSQL-backed history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS scan_sessions (
		id TEXT PRIMARY KEY,
		play_beep BOOLEAN NOT NULL,
		vibrate BOOLEAN NOT NULL,
		decode_1d_formats BOOLEAN NOT NULL,
		full_screen_scan_region BOOLEAN NOT NULL,
		continuous_scan BOOLEAN NOT NULL,
		auto_restart_after_result BOOLEAN NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		ended_at TIMESTAMP WITH TIME ZONE,
		end_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_sessions_started_at ON scan_sessions(started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS scan_results (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES scan_sessions(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		format TEXT NOT NULL,
		seq BIGINT NOT NULL,
		scanned_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE(session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_results_scanned_at ON scan_results(scanned_at DESC)`,
}

// Open connects to dsn, runs migrations and returns a store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	logger.Info("history store ready")
	return s, nil
}

// NewStore wraps an open database. Migrations are not run.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Debug("migrations applied", "count", len(migrations))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession records a new session.
func (s *Store) StartSession(ctx context.Context, id string, cfg scan.SessionConfig, at time.Time) error {
	query := `
		INSERT INTO scan_sessions (id, play_beep, vibrate, decode_1d_formats, full_screen_scan_region,
			continuous_scan, auto_restart_after_result, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query, id,
		cfg.PlayBeep, cfg.Vibrate, cfg.Decode1DFormats, cfg.FullScreenScanRegion,
		cfg.ContinuousScan, cfg.AutoRestartAfterResult, at)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// EndSession marks a session ended with a reason.
func (s *Store) EndSession(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_sessions SET ended_at = $1, end_reason = $2 WHERE id = $3 AND ended_at IS NULL`,
		at, reason, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Record stores a delivered result. It implements sink.Recorder.
func (s *Store) Record(ctx context.Context, r scan.Result) error {
	query := `
		INSERT INTO scan_results (session_id, text, format, seq, scanned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, r.SessionID, r.Symbol.Text, r.Symbol.Format, int64(r.Seq), r.At); err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Recent returns the newest results, up to limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, text, format, seq, scanned_at
		FROM scan_results
		ORDER BY scanned_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var seq int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Text, &e.Format, &seq, &e.ScannedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		e.Seq = uint64(seq)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSession returns a session with its result count.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.play_beep, s.vibrate, s.decode_1d_formats, s.full_screen_scan_region,
			s.continuous_scan, s.auto_restart_after_result, s.started_at, s.ended_at, s.end_reason,
			(SELECT COUNT(*) FROM scan_results r WHERE r.session_id = s.id)
		FROM scan_sessions s
		WHERE s.id = $1
	`, id).Scan(
		&sess.ID,
		&sess.Config.PlayBeep, &sess.Config.Vibrate, &sess.Config.Decode1DFormats,
		&sess.Config.FullScreenScanRegion, &sess.Config.ContinuousScan, &sess.Config.AutoRestartAfterResult,
		&sess.StartedAt, &endedAt, &reason, &sess.Results,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	sess.EndReason = reason.String
	return &sess, nil
}
