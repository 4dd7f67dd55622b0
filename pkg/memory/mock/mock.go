// Package mock provides an in-memory [memory.CallStore] for tests.
//
// The mock keeps records in a map, records every method call, and exposes
// exported error fields that tests set to inject failures. It is safe for
// concurrent use.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/carecall/pkg/memory"
)

// Store is a mock implementation of [memory.CallStore].
type Store struct {
	mu      sync.Mutex
	records map[string]memory.CallRecord

	// SaveErr, GetErr and RecentErr are returned by the matching methods
	// when non-nil.
	SaveErr   error
	GetErr    error
	RecentErr error

	// Saved records every record passed to SaveCall, in order.
	Saved []memory.CallRecord
}

var _ memory.CallStore = (*Store)(nil)

// SaveCall implements [memory.CallStore].
func (s *Store) SaveCall(_ context.Context, rec memory.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Turns = slices.Clone(rec.Turns)
	s.Saved = append(s.Saved, rec)
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if s.records == nil {
		s.records = make(map[string]memory.CallRecord)
	}
	s.records[rec.SessionID] = rec
	return nil
}

// GetCall implements [memory.CallStore].
func (s *Store) GetCall(_ context.Context, sessionID string) (memory.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return memory.CallRecord{}, s.GetErr
	}
	rec, ok := s.records[sessionID]
	if !ok {
		return memory.CallRecord{}, memory.ErrNotFound
	}
	return rec, nil
}

// RecentCalls implements [memory.CallStore].
func (s *Store) RecentCalls(_ context.Context, callerID string, limit int) ([]memory.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	if limit <= 0 {
		limit = memory.DefaultRecentLimit
	}
	var out []memory.CallRecord
	for _, rec := range s.records {
		if rec.CallerID == callerID {
			rec.Turns = nil
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b memory.CallRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SavedRecords returns a snapshot of every record passed to SaveCall.
func (s *Store) SavedRecords() []memory.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Saved)
}
