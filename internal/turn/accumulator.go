// Package turn implements the turn accumulator: it turns a stream of
// per-chunk speech decisions into complete caller utterances.
//
// An utterance starts only after a run of consecutive speech chunks reaches
// the sustained-speech threshold, which keeps door slams and clicks away from
// the conversation pipeline. It completes after a run of silence chunks. After
// the owner takes the utterance a cooldown suppresses re-triggering on echo of
// the assistant's own playback.
package turn

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the accumulator's thresholds. They are empirical defaults, not
// derived constants, and are expected to be retuned.
type Config struct {
	// SustainedSpeech is the number of consecutive speech chunks required
	// before an utterance starts.
	SustainedSpeech int

	// SilenceRun is the number of consecutive silence chunks that complete a
	// started utterance.
	SilenceRun int

	// Cooldown suppresses all chunks for this long after an utterance is taken.
	Cooldown time.Duration

	// MaxSamples force-completes an utterance once its buffer holds this many
	// samples. Zero means unbounded.
	MaxSamples int
}

// DefaultConfig returns thresholds suited to 200 ms analysis chunks.
func DefaultConfig() Config {
	return Config{
		SustainedSpeech: 2,
		SilenceRun:      4,
		Cooldown:        time.Second,
		MaxSamples:      30 * 8000,
	}
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.SustainedSpeech < 1 {
		errs = append(errs, fmt.Errorf("turn: sustained speech must be at least 1 chunk, got %d", c.SustainedSpeech))
	}
	if c.SilenceRun < 1 {
		errs = append(errs, fmt.Errorf("turn: silence run must be at least 1 chunk, got %d", c.SilenceRun))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("turn: cooldown must not be negative, got %s", c.Cooldown))
	}
	if c.MaxSamples < 0 {
		errs = append(errs, fmt.Errorf("turn: max samples must not be negative, got %d", c.MaxSamples))
	}
	return errors.Join(errs...)
}

// Event is what a single [Accumulator.Push] observed.
type Event int

const (
	// EventIdle means no utterance is in progress and the chunk changed nothing
	// of consequence.
	EventIdle Event = iota

	// EventOnset means the chunk was speech but the sustained-speech threshold
	// has not been reached yet.
	EventOnset

	// EventStarted means this chunk reached the sustained-speech threshold.
	EventStarted

	// EventContinue means a started utterance absorbed the chunk.
	EventContinue

	// EventComplete means the utterance is finished and must be collected
	// with [Accumulator.Take].
	EventComplete

	// EventCooldown means the chunk arrived during the post-utterance
	// cooldown and was ignored.
	EventCooldown
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventIdle:
		return "idle"
	case EventOnset:
		return "onset"
	case EventStarted:
		return "started"
	case EventContinue:
		return "continue"
	case EventComplete:
		return "complete"
	case EventCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Accumulator buffers consecutive speech chunks into one utterance. It is
// driven one chunk at a time and is not safe for concurrent use.
//
// A started utterance is only ever discarded or handed out through
// [Accumulator.Take] and [Accumulator.Reset], both of which belong to the
// owning call session.
type Accumulator struct {
	cfg Config

	speechRun  int
	silenceRun int
	started    bool
	complete   bool

	buf []int16
	// gap holds silence inside a started utterance until speech resumes, so
	// pauses between words survive but trailing silence does not.
	gap []int16

	cooldownUntil time.Time
}

// New returns an accumulator using cfg.
func New(cfg Config) (*Accumulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Accumulator{cfg: cfg}, nil
}

// Push feeds one classified chunk that arrived at now. The accumulator copies
// pcm; the caller may reuse it.
func (a *Accumulator) Push(pcm []int16, speech bool, now time.Time) Event {
	if a.complete {
		return EventComplete
	}
	if !a.started && now.Before(a.cooldownUntil) {
		return EventCooldown
	}

	if !a.started {
		if !speech {
			a.speechRun = 0
			a.buf = a.buf[:0]
			return EventIdle
		}
		a.speechRun++
		a.buf = append(a.buf, pcm...)
		if a.speechRun < a.cfg.SustainedSpeech {
			return EventOnset
		}
		a.started = true
		return a.checkLimit(EventStarted)
	}

	if speech {
		a.speechRun++
		a.silenceRun = 0
		a.buf = append(a.buf, a.gap...)
		a.buf = append(a.buf, pcm...)
		a.gap = a.gap[:0]
		return a.checkLimit(EventContinue)
	}

	a.speechRun = 0
	a.silenceRun++
	if a.silenceRun >= a.cfg.SilenceRun {
		a.complete = true
		return EventComplete
	}
	a.gap = append(a.gap, pcm...)
	return EventContinue
}

func (a *Accumulator) checkLimit(ev Event) Event {
	if a.cfg.MaxSamples > 0 && len(a.buf) >= a.cfg.MaxSamples {
		a.complete = true
		return EventComplete
	}
	return ev
}

// Take returns the completed utterance, clears the buffer and counters, and
// starts the cooldown at now. It returns nil if no utterance is complete.
func (a *Accumulator) Take(now time.Time) []int16 {
	if !a.complete {
		return nil
	}
	out := make([]int16, len(a.buf))
	copy(out, a.buf)
	a.Reset()
	a.cooldownUntil = now.Add(a.cfg.Cooldown)
	return out
}

// Reset discards any buffered audio and zeroes every counter. The cooldown,
// if any, stays in effect.
func (a *Accumulator) Reset() {
	a.speechRun = 0
	a.silenceRun = 0
	a.started = false
	a.complete = false
	a.buf = a.buf[:0]
	a.gap = a.gap[:0]
}

// StartCooldown suppresses onset detection until now plus the configured
// cooldown. The session calls it when playback ends so the tail of the
// assistant's own voice is not picked up as a new utterance.
func (a *Accumulator) StartCooldown(now time.Time) {
	a.cooldownUntil = now.Add(a.cfg.Cooldown)
}

// Started reports whether an utterance is in progress.
func (a *Accumulator) Started() bool { return a.started }

// SpeechRun returns the current consecutive-speech-chunk count.
func (a *Accumulator) SpeechRun() int { return a.speechRun }

// Buffered returns the number of samples held for the current utterance.
func (a *Accumulator) Buffered() int { return len(a.buf) }
