// Package memory defines where finished calls are persisted: the full
// conversation, session metadata, per-call counters and an optional summary.
//
// The store is written once per call, when the session closes, and read when
// a caller rings again so the assistant can pick up where the last call left
// off. Backends live in sub-packages: postgres for shared deployments and
// sqlite for single-node installs.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("memory: call record not found")

// CallStore persists finished call records.
type CallStore interface {
	// SaveCall writes rec, replacing any earlier record with the same
	// SessionID. Turns are stored in order.
	SaveCall(ctx context.Context, rec CallRecord) error

	// GetCall returns the record for sessionID including its turns, or
	// [ErrNotFound].
	GetCall(ctx context.Context, sessionID string) (CallRecord, error)

	// RecentCalls returns up to limit records for callerID, newest first.
	// Turns are not loaded. A limit of 0 means the implementation default.
	RecentCalls(ctx context.Context, callerID string, limit int) ([]CallRecord, error)
}

// DefaultRecentLimit is used when RecentCalls is called with limit <= 0.
const DefaultRecentLimit = 10
