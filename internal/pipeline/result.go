package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/pkg/provider/safety"
)

// ErrEmptyTranscript is reported when speech-to-text returns nothing usable.
// The turn is discarded without touching the conversation.
var ErrEmptyTranscript = errors.New("pipeline: empty transcript")

// ErrEmptyReply is reported when the reasoning service answers with no text.
// It is treated like any other reasoning failure.
var ErrEmptyReply = errors.New("pipeline: empty reply")

// Outcome describes how a turn ended.
type Outcome int

const (
	// OutcomeReply: the reasoning service answered and the reply is ready.
	OutcomeReply Outcome = iota
	// OutcomeFallback: a stage failed and the fallback utterance is ready.
	OutcomeFallback
	// OutcomeDiscarded: the transcript was empty; nothing is spoken.
	OutcomeDiscarded
	// OutcomeEmergency: the caller's words triggered an emergency. Nothing is
	// synthesized; the session speaks [Result.Reply] while closing.
	OutcomeEmergency
	// OutcomeFarewell: the caller said goodbye and the farewell is ready.
	OutcomeFarewell
	// OutcomeAborted: the turn was cancelled or synthesis failed; nothing is
	// spoken and the conversation is unchanged.
	OutcomeAborted
)

// String returns the lower-case outcome name used as a metric attribute.
func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeFallback:
		return "fallback"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeEmergency:
		return "emergency"
	case OutcomeFarewell:
		return "farewell"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Usage accumulates billable provider consumption for one turn.
type Usage struct {
	STTSeconds       float64
	TTSChars         int
	PromptTokens     int
	CompletionTokens int
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		STTSeconds:       u.STTSeconds + o.STTSeconds,
		TTSChars:         u.TTSChars + o.TTSChars,
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
	}
}

// Result is everything the call session needs after a turn.
type Result struct {
	Outcome Outcome

	// Transcript is the caller's recognised text. Never log it.
	Transcript string

	// Reply is the text that was (or, for emergencies, must be) spoken,
	// including any prefix. Never log it.
	Reply string

	// Audio is μ-law wire audio ready for playback. Nil when nothing is to be
	// played by the turn itself.
	Audio []byte

	// EndCall asks the session to close once Audio has been played.
	EndCall bool

	// PrefixSpoken reports whether the turn's prefix made it into Audio.
	PrefixSpoken bool

	// Caller and Reply classifications from the safety monitor.
	CallerSafety safety.Classification
	ReplySafety  safety.Classification

	// Alerts counts the alerts raised during the turn.
	Alerts int

	// Err is the failure behind a fallback, discard or abort. Stage failures
	// are *StageError values.
	Err error

	Usage Usage
}

// StageError records which stage failed and whether it timed out. Its message
// never contains conversation text.
type StageError struct {
	Stage string
	Kind  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageError classifies err into a timeout or a plain error.
func stageError(stage string, err error) *StageError {
	kind := observe.KindError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = observe.KindTimeout
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
