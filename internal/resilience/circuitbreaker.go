// Package resilience keeps a call alive when a speech or reasoning vendor
// misbehaves.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops sending turns to a vendor after repeated failures. [FallbackGroup]
// orders several providers of one kind, each behind its own breaker, and the
// [STTFallback], [LLMFallback] and [TTSFallback] adapters expose a group as a
// regular provider so the pipeline never knows failover happened.
//
// Cancellation by the caller (hangup, call budget) is not a vendor failure:
// it neither trips a breaker nor moves on to the next provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log records, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed, and successes
	// required, in the half-open state. Default: 3.
	HalfOpenMax int

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// Logger receives state changes. Default: slog.Default().
	Logger *slog.Logger
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	openedAt  time.Time
	probes    int // probe calls admitted while half-open
	probeWins int
}

// NewCircuitBreaker creates a closed breaker. Zero-value config fields take
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{
		cfg:   cfg,
		log:   cfg.Logger.With("breaker", cfg.Name),
		state: StateClosed,
	}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// An error wrapping [context.Canceled] is returned unrecorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeWins = 0, 0
		cb.log.Info("circuit breaker half-open")
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil:
		cb.failures++
		if probe || cb.failures >= cb.cfg.MaxFailures {
			if cb.state != StateOpen {
				cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.failures)
			}
			cb.state = StateOpen
			cb.openedAt = cb.cfg.Now()
		}
	case probe:
		cb.probeWins++
		if cb.state == StateHalfOpen && cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit breaker closed")
		}
	default:
		cb.failures = 0
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
