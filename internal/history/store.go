// Package history keeps a SQLite record of finished download sessions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/pullguard/internal/controller"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("session not found")

// SessionRecord is a stored session row.
type SessionRecord struct {
	ID         string
	Model      string
	Outcome    string
	Start      time.Time
	End        time.Time
	Retries    int
	Pauses     int
	Attempts   int
	MaxRetries int
	LastSpeed  float64
}

func (r SessionRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// AttemptRecord is a stored attempt row.
type AttemptRecord struct {
	SessionID   string
	Number      int
	Start       time.Time
	End         time.Time
	Reason      string
	ExitCode    int
	LastPercent int
	LastSpeed   float64
	Error       string
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer, and keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			pauses INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			last_speed REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			session_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			reason TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			last_percent INTEGER NOT NULL DEFAULT 0,
			last_speed REAL NOT NULL DEFAULT 0,
			error TEXT,
			PRIMARY KEY (session_id, number),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_model ON sessions(model)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordSession stores a finished session and its attempts. Recording the
// same session again replaces the earlier rows.
func (s *Store) RecordSession(ctx context.Context, sess *controller.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSpeed float64
	if a := sess.LastAttempt(); a != nil {
		lastSpeed = a.LastSpeed
	}
	end := sess.End
	if end.IsZero() {
		end = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("error clearing attempts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			id, model, outcome, started_at, ended_at, retries, pauses, attempts, max_retries, last_speed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Model, sess.Outcome.String(), sess.Start.UnixMilli(), end.UnixMilli(),
		sess.Retries, sess.Pauses, len(sess.Attempts), sess.Config.MaxRetries, lastSpeed)
	if err != nil {
		return fmt.Errorf("error inserting session: %w", err)
	}

	for _, a := range sess.Attempts {
		var errText sql.NullString
		if a.Err != nil {
			errText = sql.NullString{String: a.Err.Error(), Valid: true}
		}
		attemptEnd := a.End
		if attemptEnd.IsZero() {
			attemptEnd = end
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (
				session_id, number, started_at, ended_at, reason, exit_code, last_percent, last_speed, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, a.Number, a.Start.UnixMilli(), attemptEnd.UnixMilli(), a.Reason.String(),
			a.ExitCode, a.LastPercent, a.LastSpeed, errText)
		if err != nil {
			return fmt.Errorf("error inserting attempt %d: %w", a.Number, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first. An empty model lists
// every model.
func (s *Store) Recent(ctx context.Context, model string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, model, outcome, started_at, ended_at, retries, pauses, attempts, max_retries, last_speed
		FROM sessions`
	args := []any{}
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var start, end int64
		if err := rows.Scan(&r.ID, &r.Model, &r.Outcome, &start, &end,
			&r.Retries, &r.Pauses, &r.Attempts, &r.MaxRetries, &r.LastSpeed); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		r.Start = time.UnixMilli(start)
		r.End = time.UnixMilli(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Attempts returns the attempts of one session in order.
func (s *Store) Attempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error looking up session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, number, started_at, ended_at, reason, exit_code, last_percent, last_speed, error
		FROM attempts WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		var start, end int64
		var errText sql.NullString
		if err := rows.Scan(&r.SessionID, &r.Number, &start, &end, &r.Reason,
			&r.ExitCode, &r.LastPercent, &r.LastSpeed, &errText); err != nil {
			return nil, fmt.Errorf("error scanning attempt: %w", err)
		}
		r.Start = time.UnixMilli(start)
		r.End = time.UnixMilli(end)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}
