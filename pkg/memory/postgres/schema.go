// Package postgres provides a PostgreSQL-backed [memory.CallStore].
//
// A call is stored as one row in calls plus one row per conversation line in
// call_turns. Per-call counters are kept as a JSONB document so new counters
// do not need a schema change.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveCall(ctx, rec)
//	prev, _ := store.RecentCalls(ctx, rec.CallerID, 1)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─── Calls ───────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    session_id  TEXT         PRIMARY KEY,
    caller_id   TEXT         NOT NULL DEFAULT '',
    call_id     TEXT         NOT NULL DEFAULT '',
    stream_id   TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    end_reason  TEXT         NOT NULL DEFAULT '',
    opening     TEXT         NOT NULL DEFAULT '',
    summary     TEXT         NOT NULL DEFAULT '',
    stats       JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_calls_caller_started
    ON calls (caller_id, started_at DESC);
`

// ─── Turns ───────────────────────────────────────────────────────────────────

const ddlCallTurns = `
CREATE TABLE IF NOT EXISTS call_turns (
    session_id  TEXT         NOT NULL REFERENCES calls (session_id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the tables and indexes used by [Store]. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlCallTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
