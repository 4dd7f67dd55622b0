// Package alert raises out-of-band safety notifications for a live call.
//
// An [Alert] identifies the session, the caller profile and the safety
// classification that triggered it. It never carries transcript or reply text;
// the care team looks the conversation up by session ID.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/carecall/pkg/provider/safety"
)

// Alert is one safety notification.
type Alert struct {
	SessionID string          `json:"session_id"`
	CallerID  string          `json:"caller_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Level     safety.Level    `json:"level"`
	Category  safety.Category `json:"category"`
	Role      safety.Role     `json:"role"`
	Action    string          `json:"action,omitempty"`
	Raised    time.Time       `json:"raised"`
}

// Alerter delivers alerts. Implementations must be safe for concurrent use and
// must honour ctx cancellation.
type Alerter interface {
	Raise(ctx context.Context, a Alert) error
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// LogAlerter writes alerts to a structured logger. It is the fallback when no
// message bus is configured.
type LogAlerter struct {
	log *slog.Logger
}

var _ Alerter = (*LogAlerter)(nil)

// NewLogAlerter returns an alerter logging through l, or [slog.Default] when
// l is nil.
func NewLogAlerter(l *slog.Logger) *LogAlerter {
	if l == nil {
		l = slog.Default()
	}
	return &LogAlerter{log: l}
}

// Raise implements [Alerter]. Emergencies are logged at error level,
// everything else at warn.
func (a *LogAlerter) Raise(ctx context.Context, al Alert) error {
	lvl := slog.LevelWarn
	if al.Level >= safety.LevelEmergency {
		lvl = slog.LevelError
	}
	a.log.LogAttrs(ctx, lvl, "safety alert",
		slog.String("session_id", al.SessionID),
		slog.String("caller_id", al.CallerID),
		slog.String("severity", al.Level.String()),
		slog.String("category", string(al.Category)),
		slog.String("role", string(al.Role)),
		slog.String("action", al.Action),
	)
	return nil
}

// ─── Multi ────────────────────────────────────────────────────────────────────

// Multi fans an alert out to every alerter in order. All alerters are tried
// even when one fails; the failures are joined.
type Multi []Alerter

var _ Alerter = Multi(nil)

// Raise implements [Alerter].
func (m Multi) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
