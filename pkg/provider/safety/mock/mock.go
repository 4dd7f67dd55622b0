// Package mock provides a test double for the safety.Monitor interface.
//
// By default every text is classified as [safety.LevelNone]. Populate Verdicts
// to map exact texts onto classifications.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carecall/pkg/provider/safety"
)

// ClassifyCall records a single invocation of Classify.
type ClassifyCall struct {
	Text string
	Role safety.Role
}

// Monitor is a mock implementation of safety.Monitor.
type Monitor struct {
	mu sync.Mutex

	// Verdicts maps exact input text to the classification returned for it.
	Verdicts map[string]safety.Classification

	// Err, if non-nil, is returned from every Classify call.
	Err error

	// ClassifyCalls records every invocation of Classify in order.
	ClassifyCalls []ClassifyCall
}

// Classify implements safety.Monitor.
func (m *Monitor) Classify(_ context.Context, text string, role safety.Role) (safety.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClassifyCalls = append(m.ClassifyCalls, ClassifyCall{Text: text, Role: role})
	if m.Err != nil {
		return safety.Classification{}, m.Err
	}
	return m.Verdicts[text], nil
}

// Calls returns a snapshot of the recorded Classify invocations.
func (m *Monitor) Calls() []ClassifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClassifyCall, len(m.ClassifyCalls))
	copy(out, m.ClassifyCalls)
	return out
}

var _ safety.Monitor = (*Monitor)(nil)
