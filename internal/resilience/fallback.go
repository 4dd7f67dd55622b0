package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/carecall/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels metrics and logs: "stt", "llm" or "tts".
	Kind string

	// Metrics records provider requests and errors. Default:
	// observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of one
// provider type. Entries are tried in registration order; an entry whose
// breaker is open is skipped.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{
		cfg: cfg,
		log: cfg.Logger.With("kind", cfg.Kind),
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider tried after every entry registered before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = fg.cfg.Kind + "/" + name
	if cbCfg.Logger == nil {
		cbCfg.Logger = fg.cfg.Logger
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Check reports an error when every entry's breaker is open, i.e. when the
// next request would be rejected without reaching any provider.
func (fg *FallbackGroup[T]) Check(context.Context) error {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: every circuit is open", fg.cfg.Kind, ErrAllFailed)
}

// ExecuteWithResult calls fn with each entry in turn until one succeeds.
// It stops at the first failure seen after ctx is done and returns that
// error unchanged, since no later entry could succeed either. It is a
// function rather than a method because methods cannot have type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})

		switch {
		case err == nil:
			fg.cfg.Metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "ok")
			if i > 0 {
				fg.log.Info("served by fallback provider", "provider", entry.name)
			}
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.cfg.Metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "skipped")
			fg.log.Debug("skipping provider, circuit open", "provider", entry.name)
		default:
			fg.cfg.Metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "error")
			fg.cfg.Metrics.RecordProviderError(ctx, entry.name, fg.cfg.Kind)
			if ctx.Err() != nil {
				return zero, err
			}
			fg.log.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s: %w: %w", fg.cfg.Kind, ErrAllFailed, lastErr)
}
