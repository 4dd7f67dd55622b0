package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/carecall/pkg/memory"
)

// ErrStoreDegraded is returned by [StoreGuard.Check] while the most recent
// store operation failed.
var ErrStoreDegraded = errors.New("session: call store degraded")

// StoreGuard wraps a [memory.CallStore] so that a failing backend never
// blocks a call. Lookups of earlier calls return nothing instead of an
// error; saves still report their error so the caller can log the lost
// record. Every failure marks the guard degraded until the next success.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    memory.CallStore
	log      *slog.Logger
	degraded atomic.Bool
}

var _ memory.CallStore = (*StoreGuard)(nil)

// NewStoreGuard wraps store. A nil logger uses slog.Default().
func NewStoreGuard(store memory.CallStore, log *slog.Logger) *StoreGuard {
	if log == nil {
		log = slog.Default()
	}
	return &StoreGuard{store: store, log: log}
}

// SaveCall implements memory.CallStore.
func (g *StoreGuard) SaveCall(ctx context.Context, rec memory.CallRecord) error {
	err := g.store.SaveCall(ctx, rec)
	g.record(err)
	return err
}

// GetCall implements memory.CallStore. [memory.ErrNotFound] does not count
// as a failure.
func (g *StoreGuard) GetCall(ctx context.Context, sessionID string) (memory.CallRecord, error) {
	rec, err := g.store.GetCall(ctx, sessionID)
	if errors.Is(err, memory.ErrNotFound) {
		g.record(nil)
		return rec, err
	}
	g.record(err)
	return rec, err
}

// RecentCalls implements memory.CallStore. On failure the error is logged
// and an empty result is returned.
func (g *StoreGuard) RecentCalls(ctx context.Context, callerID string, limit int) ([]memory.CallRecord, error) {
	recs, err := g.store.RecentCalls(ctx, callerID, limit)
	g.record(err)
	if err != nil {
		g.log.Warn("store guard: RecentCalls failed, continuing without history", "err", err)
		return nil, nil
	}
	return recs, nil
}

// Degraded reports whether the most recent store operation failed.
func (g *StoreGuard) Degraded() bool { return g.degraded.Load() }

// Check is a readiness check that fails while the guard is degraded.
func (g *StoreGuard) Check(context.Context) error {
	if g.Degraded() {
		return ErrStoreDegraded
	}
	return nil
}

func (g *StoreGuard) record(err error) {
	// Cancelled lookups say nothing about the backend.
	if errors.Is(err, context.Canceled) {
		return
	}
	if was := g.degraded.Swap(err != nil); was != (err != nil) {
		if err != nil {
			g.log.Warn("store guard: call store degraded", "err", err)
		} else {
			g.log.Info("store guard: call store recovered")
		}
	}
}
