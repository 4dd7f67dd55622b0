package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/carecall/pkg/memory"
)

var _ memory.CallStore = (*Store)(nil)

// Store is a PostgreSQL-backed [memory.CallStore]. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveCall implements [memory.CallStore]. The call row and all turns are
// written in one transaction; an existing record for the session is replaced.
func (s *Store) SaveCall(ctx context.Context, rec memory.CallRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("postgres store: encode stats: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const upsert = `
		INSERT INTO calls
		    (session_id, caller_id, call_id, stream_id, started_at, ended_at,
		     end_reason, opening, summary, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
		    caller_id  = EXCLUDED.caller_id,
		    call_id    = EXCLUDED.call_id,
		    stream_id  = EXCLUDED.stream_id,
		    started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    end_reason = EXCLUDED.end_reason,
		    opening    = EXCLUDED.opening,
		    summary    = EXCLUDED.summary,
		    stats      = EXCLUDED.stats`

	if _, err := tx.Exec(ctx, upsert,
		rec.SessionID, rec.CallerID, rec.CallID, rec.StreamID,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(),
		rec.EndReason, rec.Opening, rec.Summary, stats,
	); err != nil {
		return fmt.Errorf("postgres store: save call: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_turns WHERE session_id = $1`, rec.SessionID); err != nil {
		return fmt.Errorf("postgres store: clear turns: %w", err)
	}

	if len(rec.Turns) > 0 {
		rows := make([][]any, len(rec.Turns))
		for i, t := range rec.Turns {
			rows[i] = []any{rec.SessionID, i, t.Role, t.Text, t.At.UTC()}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"call_turns"},
			[]string{"session_id", "seq", "role", "text", "at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres store: save turns: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// GetCall implements [memory.CallStore].
func (s *Store) GetCall(ctx context.Context, sessionID string) (memory.CallRecord, error) {
	const q = `
		SELECT session_id, caller_id, call_id, stream_id, started_at, ended_at,
		       end_reason, opening, summary, stats
		FROM   calls
		WHERE  session_id = $1`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanCall)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.CallRecord{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("postgres store: get call: %w", err)
	}

	const qt = `
		SELECT role, text, at
		FROM   call_turns
		WHERE  session_id = $1
		ORDER  BY seq`

	trows, err := s.pool.Query(ctx, qt, sessionID)
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("postgres store: get turns: %w", err)
	}
	turns, err := pgx.CollectRows(trows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var t memory.Turn
		err := row.Scan(&t.Role, &t.Text, &t.At)
		return t, err
	})
	if err != nil {
		return memory.CallRecord{}, fmt.Errorf("postgres store: get turns: %w", err)
	}
	rec.Turns = turns
	return rec, nil
}

// RecentCalls implements [memory.CallStore].
func (s *Store) RecentCalls(ctx context.Context, callerID string, limit int) ([]memory.CallRecord, error) {
	if limit <= 0 {
		limit = memory.DefaultRecentLimit
	}
	const q = `
		SELECT session_id, caller_id, call_id, stream_id, started_at, ended_at,
		       end_reason, opening, summary, stats
		FROM   calls
		WHERE  caller_id = $1
		ORDER  BY started_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent calls: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent calls: %w", err)
	}
	return recs, nil
}

func scanCall(row pgx.CollectableRow) (memory.CallRecord, error) {
	var (
		rec            memory.CallRecord
		started, ended time.Time
		stats          []byte
	)
	if err := row.Scan(
		&rec.SessionID, &rec.CallerID, &rec.CallID, &rec.StreamID,
		&started, &ended, &rec.EndReason, &rec.Opening, &rec.Summary, &stats,
	); err != nil {
		return rec, err
	}
	rec.StartedAt, rec.EndedAt = started, ended
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &rec.Stats); err != nil {
			return rec, fmt.Errorf("decode stats: %w", err)
		}
	}
	return rec, nil
}
