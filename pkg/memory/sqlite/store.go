// Package sqlite provides a single-file [memory.CallStore] built on the pure
// Go modernc.org/sqlite driver. It suits single-node installs that do not run
// PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/carecall/pkg/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
    session_id  TEXT PRIMARY KEY,
    caller_id   TEXT NOT NULL DEFAULT '',
    call_id     TEXT NOT NULL DEFAULT '',
    stream_id   TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER NOT NULL,
    end_reason  TEXT NOT NULL DEFAULT '',
    opening     TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    stats       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_calls_caller_started ON calls(caller_id, started_at DESC);

CREATE TABLE IF NOT EXISTS call_turns (
    session_id  TEXT NOT NULL REFERENCES calls(session_id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    role        TEXT NOT NULL,
    text        TEXT NOT NULL,
    at          INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

var _ memory.CallStore = (*Store)(nil)

// Store persists call records in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. Parent
// directories are created as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCall implements [memory.CallStore].
func (s *Store) SaveCall(ctx context.Context, rec memory.CallRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("sqlite store: encode stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE session_id = ?`, rec.SessionID); err != nil {
		return fmt.Errorf("sqlite store: replace call: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (session_id, caller_id, call_id, stream_id, started_at, ended_at,
		                   end_reason, opening, summary, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CallerID, rec.CallID, rec.StreamID,
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(),
		rec.EndReason, rec.Opening, rec.Summary, string(stats),
	); err != nil {
		return fmt.Errorf("sqlite store: save call: %w", err)
	}

	if len(rec.Turns) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO call_turns (session_id, seq, role, text, at) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("sqlite store: prepare turns: %w", err)
		}
		defer stmt.Close()
		for i, t := range rec.Turns {
			if _, err := stmt.ExecContext(ctx, rec.SessionID, i, t.Role, t.Text, t.At.UnixNano()); err != nil {
				return fmt.Errorf("sqlite store: save turn %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

const selectCall = `
	SELECT session_id, caller_id, call_id, stream_id, started_at, ended_at,
	       end_reason, opening, summary, stats
	FROM calls`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (memory.CallRecord, error) {
	var (
		rec            memory.CallRecord
		started, ended int64
		stats          string
	)
	if err := row.Scan(&rec.SessionID, &rec.CallerID, &rec.CallID, &rec.StreamID,
		&started, &ended, &rec.EndReason, &rec.Opening, &rec.Summary, &stats); err != nil {
		return rec, err
	}
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.EndedAt = time.Unix(0, ended).UTC()
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
			return rec, fmt.Errorf("decode stats: %w", err)
		}
	}
	return rec, nil
}

// GetCall implements [memory.CallStore].
func (s *Store) GetCall(ctx context.Context, sessionID string) (memory.CallRecord, error) {
	rec, err := scanCall(s.db.QueryRowContext(ctx, selectCall+` WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return memory.CallRecord{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("sqlite store: get call: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, at FROM call_turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("sqlite store: get turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t  memory.Turn
			at int64
		)
		if err := rows.Scan(&t.Role, &t.Text, &at); err != nil {
			return memory.CallRecord{}, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		t.At = time.Unix(0, at).UTC()
		rec.Turns = append(rec.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return memory.CallRecord{}, fmt.Errorf("sqlite store: get turns: %w", err)
	}
	return rec, nil
}

// RecentCalls implements [memory.CallStore].
func (s *Store) RecentCalls(ctx context.Context, callerID string, limit int) ([]memory.CallRecord, error) {
	if limit <= 0 {
		limit = memory.DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		selectCall+` WHERE caller_id = ? ORDER BY started_at DESC LIMIT ?`, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent calls: %w", err)
	}
	defer rows.Close()

	var out []memory.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan call: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: recent calls: %w", err)
	}
	return out, nil
}
