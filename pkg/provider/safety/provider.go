// Package safety defines the Monitor interface for the safety classifier that
// screens every caller utterance and every assistant reply.
//
// A monitor maps a piece of text and the role that produced it onto an alert
// [Level] and a [Category]. An [LevelEmergency] classification interrupts the
// conversation: the turn pipeline substitutes a fixed safety response, raises
// an out-of-band alert and the call session moves to closing.
//
// Implementations must be safe for concurrent use.
package safety

import (
	"context"
	"fmt"
	"strings"
)

// Level is the alert severity. Levels are ordered; a higher value is more
// severe.
type Level int

const (
	LevelNone Level = iota
	LevelInfo
	LevelWarning
	LevelUrgent
	LevelEmergency
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelUrgent:
		return "urgent"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel converts a level name (case-insensitive) to a [Level].
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return LevelNone, nil
	case "info":
		return LevelInfo, nil
	case "warning":
		return LevelWarning, nil
	case "urgent":
		return LevelUrgent, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelNone, fmt.Errorf("safety: unknown level %q", s)
	}
}

// Category names the kind of concern behind a classification.
type Category string

const (
	CategoryNone             Category = ""
	CategoryEmergencyMedical Category = "emergency_medical"
	CategorySuicideRisk      Category = "suicide_risk"
	CategoryAbusePhysical    Category = "abuse_physical"
	CategoryAbuseEmotional   Category = "abuse_emotional"
	CategoryAbuseFinancial   Category = "abuse_financial"
	CategoryNeglect          Category = "neglect"
	CategoryMedication       Category = "medication_issue"
	CategoryHarmfulAdvice    Category = "harmful_advice"
)

// Role identifies who produced the classified text.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Classification is a monitor's verdict on one piece of text. It carries no
// copy of the text itself so it can travel into alerts and logs.
type Classification struct {
	// Level is the highest severity found.
	Level Level

	// Category is the category that determined Level.
	Category Category

	// Categories lists every category that matched, in detection order.
	Categories []Category

	// Action is a short, content-free recommendation for human responders.
	Action string
}

// Emergency reports whether the classification must interrupt the call.
func (c Classification) Emergency() bool { return c.Level >= LevelEmergency }

// Monitor is the abstraction over any safety classifier.
type Monitor interface {
	// Classify screens text produced by role.
	Classify(ctx context.Context, text string, role Role) (Classification, error)
}
