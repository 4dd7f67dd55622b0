package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/carecall/internal/turn"
	"github.com/MrWong99/carecall/internal/vad"
	"github.com/MrWong99/carecall/pkg/audio"
)

// Config holds a session's tuning. It is copied at construction and never
// changes during the call.
type Config struct {
	// ChunkDuration is the length of audio the voice activity filter judges at
	// once, independent of the wire frame size.
	ChunkDuration time.Duration

	// VAD and Turn configure the per-session filter and accumulator.
	VAD  vad.Config
	Turn turn.Config

	// MaxDuration is the hard cutoff. Zero means unlimited.
	MaxDuration time.Duration

	// WarningLead is how long before MaxDuration the soft warning is armed.
	WarningLead time.Duration

	// Greeting is spoken once after connecting. Empty skips the greeting.
	Greeting string

	// WarningText is prepended to the next reply once the warning is armed.
	WarningText string

	// ClosingText is spoken when the call ends for a reason other than a
	// hangup, farewell or emergency.
	ClosingText string

	// MaxTurns closes the call after this many completed turns. Zero means
	// unlimited.
	MaxTurns int

	// IntakeBuffer bounds the frames queued between the connection and the
	// session loop. Frames beyond it are dropped.
	IntakeBuffer int

	// ClosingGrace bounds the final flush and the synthesis of the closing
	// utterance. Playback of that utterance gets its own length on top.
	ClosingGrace time.Duration

	// PersistTimeout bounds summarising and saving the call record.
	PersistTimeout time.Duration

	// TickInterval is how often the duration budget is checked when no audio
	// arrives.
	TickInterval time.Duration

	// CallerParam names the stream parameter carrying the caller profile id.
	CallerParam string
}

// DefaultConfig returns production defaults for a 15-minute check-in call.
func DefaultConfig() Config {
	return Config{
		ChunkDuration:  200 * time.Millisecond,
		VAD:            vad.DefaultConfig(),
		Turn:           turn.DefaultConfig(),
		MaxDuration:    15 * time.Minute,
		WarningLead:    time.Minute,
		Greeting:       "Hello! It's good to hear from you. How are you doing today?",
		WarningText:    "We only have about a minute left.",
		ClosingText:    "Thank you for talking with me. Goodbye for now!",
		IntakeBuffer:   64,
		ClosingGrace:   5 * time.Second,
		PersistTimeout: 10 * time.Second,
		TickInterval:   250 * time.Millisecond,
		CallerParam:    "caller_id",
	}
}

// chunkSamples returns the analysis chunk size in wire samples.
func (c Config) chunkSamples() int {
	return int(c.ChunkDuration * audio.WireSampleRate / time.Second)
}

// Validate reports every inconsistent setting, including those of the nested
// filter and accumulator configs.
func (c Config) Validate() error {
	var errs []error
	if c.chunkSamples() < 1 {
		errs = append(errs, fmt.Errorf("call: chunk duration %s is shorter than one sample", c.ChunkDuration))
	}
	if c.VAD.SampleRate != audio.WireSampleRate {
		errs = append(errs, fmt.Errorf("call: vad sample rate must be %d, got %d", audio.WireSampleRate, c.VAD.SampleRate))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Turn.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("call: max duration must not be negative, got %s", c.MaxDuration))
	}
	if c.WarningLead < 0 || (c.MaxDuration > 0 && c.WarningLead >= c.MaxDuration) {
		errs = append(errs, fmt.Errorf("call: warning lead %s must be within the max duration %s", c.WarningLead, c.MaxDuration))
	}
	if c.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("call: max turns must not be negative, got %d", c.MaxTurns))
	}
	if c.IntakeBuffer < 1 {
		errs = append(errs, fmt.Errorf("call: intake buffer must be at least 1, got %d", c.IntakeBuffer))
	}
	if c.ClosingGrace <= 0 {
		errs = append(errs, errors.New("call: closing grace must be positive"))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("call: persist timeout must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("call: tick interval must be positive"))
	}
	return errors.Join(errs...)
}
