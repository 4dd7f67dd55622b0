// Package mock provides a test double for [alert.Alerter].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carecall/internal/alert"
)

// Alerter is a mock implementation of [alert.Alerter]. It records every
// alert; set Err to make Raise fail.
type Alerter struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Raise after recording the alert.
	Err error

	// RaiseCalls records every alert in order.
	RaiseCalls []alert.Alert
}

var _ alert.Alerter = (*Alerter)(nil)

// Raise implements [alert.Alerter].
func (a *Alerter) Raise(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RaiseCalls = append(a.RaiseCalls, al)
	return a.Err
}

// Alerts returns a snapshot of the recorded alerts.
func (a *Alerter) Alerts() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alert.Alert, len(a.RaiseCalls))
	copy(out, a.RaiseCalls)
	return out
}
