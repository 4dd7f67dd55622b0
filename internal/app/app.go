// Package app wires the carecall subsystems into a running server.
//
// The App owns the HTTP surface (media streams, health probes, metrics), the
// provider failover groups and the session [Registry]. New builds everything
// synchronously, Handler exposes the routes, and Shutdown drains live calls
// and tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithAlerter, etc.). When an option is not provided, New falls
// back to a log alerter and no persistence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/carecall/internal/alert"
	"github.com/MrWong99/carecall/internal/call"
	"github.com/MrWong99/carecall/internal/config"
	"github.com/MrWong99/carecall/internal/health"
	"github.com/MrWong99/carecall/internal/intent"
	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/internal/pipeline"
	"github.com/MrWong99/carecall/internal/resilience"
	"github.com/MrWong99/carecall/internal/session"
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/audio/twilio"
	"github.com/MrWong99/carecall/pkg/memory"
	"github.com/MrWong99/carecall/pkg/provider/llm"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// Named pairs a provider with the name it is logged and measured under.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers lists the configured providers per kind, primary first. Each
// kind needs at least one entry. Populated by main.go via the config
// registry.
type Providers struct {
	STT []Named[stt.Provider]
	LLM []Named[llm.Provider]
	TTS []Named[tts.Provider]
}

// callSetup is everything a new session is built from. It is replaced as a
// whole on reload; sessions keep the setup they started with.
type callSetup struct {
	pipeline *pipeline.Pipeline
	call     call.Config
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	stt *resilience.STTFallback
	llm *resilience.LLMFallback
	tts *resilience.TTSFallback

	store      memory.CallStore
	alerter    alert.Alerter
	summariser session.Summariser
	metrics    *observe.Metrics
	log        *slog.Logger
	checkers   []health.Checker
	twilioOpts []twilio.Option

	setup    atomic.Pointer[callSetup]
	registry *Registry
	health   *health.Handler
	handler  http.Handler

	// baseCtx parents every session; cancelled at the end of Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc

	// closers are called in reverse order during Shutdown.
	closers []func() error

	draining atomic.Bool
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore sets the call-record sink. It is wrapped in a
// [session.StoreGuard]. Default: none, nothing is persisted.
func WithStore(s memory.CallStore) Option {
	return func(a *App) { a.store = s }
}

// WithAlerter sets where safety alerts go. Default: a log alerter.
func WithAlerter(al alert.Alerter) Option {
	return func(a *App) { a.alerter = al }
}

// WithSummariser overrides the end-of-call summariser. Default: an LLM
// summariser over the reasoning providers.
func WithSummariser(s session.Summariser) Option {
	return func(a *App) { a.summariser = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithHealthCheckers adds readiness checks (database ping, message bus).
func WithHealthCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithTwilioOptions passes options to every accepted media stream.
func WithTwilioOptions(opts ...twilio.Option) Option {
	return func(a *App) { a.twilioOpts = append(a.twilioOpts, opts...) }
}

// WithCloser registers fn to run during Shutdown, after all calls ended.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by main.go. Every
// provider kind is placed behind a circuit-breaker fallback group, even when
// it has a single entry, so failures are counted and measured uniformly.
func New(cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.alerter == nil {
		a.alerter = alert.NewLogAlerter(a.log)
	}
	if a.store != nil {
		guard := session.NewStoreGuard(a.store, a.log)
		a.store = guard
		a.checkers = append(a.checkers, health.Checker{Name: "store_writes", Check: guard.Check, Optional: true})
	}

	if err := a.initProviders(providers); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if a.summariser == nil {
		a.summariser = session.NewLLMSummariser(a.llm)
	}

	setup, err := a.buildSetup(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.setup.Store(setup)

	a.registry = NewRegistry(a.newSession, WithMaxSessions(cfg.Server.MaxSessions))

	checkers := append([]health.Checker{
		{Name: "sessions", Check: a.registry.Check},
		{Name: "stt", Check: a.stt.Check},
		{Name: "llm", Check: a.llm.Check},
		{Name: "tts", Check: a.tts.Check},
	}, a.checkers...)
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.MediaPath, a.handleMedia)
	mux.Handle(cfg.Observe.MetricsPath, promhttp.Handler())
	a.health.Register(mux)
	a.handler = observe.Middleware(a.metrics,
		cfg.Server.MediaPath, cfg.Observe.MetricsPath, "/healthz", "/readyz",
	)(mux)

	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// initProviders builds one fallback group per provider kind.
func (a *App) initProviders(p Providers) error {
	if len(p.STT) == 0 || len(p.LLM) == 0 || len(p.TTS) == 0 {
		return errors.New("stt, llm and tts providers are required")
	}
	bc := a.cfg.Providers.CircuitBreaker
	fc := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  bc.MaxFailures,
			ResetTimeout: bc.ResetTimeout,
			HalfOpenMax:  bc.HalfOpenMax,
		},
		Metrics: a.metrics,
		Logger:  a.log,
	}

	a.stt = resilience.NewSTTFallback(p.STT[0].Provider, p.STT[0].Name, fc)
	for _, n := range p.STT[1:] {
		a.stt.AddFallback(n.Name, n.Provider)
	}
	a.llm = resilience.NewLLMFallback(p.LLM[0].Provider, p.LLM[0].Name, fc)
	for _, n := range p.LLM[1:] {
		a.llm.AddFallback(n.Name, n.Provider)
	}
	a.tts = resilience.NewTTSFallback(p.TTS[0].Provider, p.TTS[0].Name, fc)
	for _, n := range p.TTS[1:] {
		a.tts.AddFallback(n.Name, n.Provider)
	}

	a.log.Info("providers ready",
		"stt", a.stt.Names(),
		"llm", a.llm.Names(),
		"tts", a.tts.Names(),
	)
	return nil
}

// buildSetup converts cfg into a pipeline and session config.
func (a *App) buildSetup(cfg *config.Config) (*callSetup, error) {
	pc, err := cfg.ToPipeline()
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	opts := []pipeline.Option{
		pipeline.WithAlerter(a.alerter),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
	}
	if len(cfg.Call.FarewellPhrases) > 0 {
		opts = append(opts, pipeline.WithFarewellDetector(intent.NewDetector(intent.WithPhrases(cfg.Call.FarewellPhrases...))))
	}
	p, err := pipeline.New(pc, a.stt, a.llm, a.tts, opts...)
	if err != nil {
		return nil, err
	}
	cc := cfg.ToCall()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return &callSetup{pipeline: p, call: cc}, nil
}

// Reload applies cfg to calls that start from now on. Calls already in
// progress keep their settings. Provider, server and persistence settings
// are not reloaded.
func (a *App) Reload(cfg *config.Config) error {
	setup, err := a.buildSetup(cfg)
	if err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	a.setup.Store(setup)
	a.log.Info("call settings reloaded", "active_sessions", a.registry.Len())
	return nil
}

// newSession is the registry's session factory.
func (a *App) newSession(id string, conn audio.Connection) (*call.Session, error) {
	setup := a.setup.Load()
	opts := []call.Option{
		call.WithSummariser(a.summariser),
		call.WithMetrics(a.metrics),
		call.WithLogger(a.log),
	}
	if a.store != nil {
		opts = append(opts, call.WithStore(a.store))
	}
	return call.New(id, conn, setup.pipeline, setup.call, opts...)
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: the media-stream endpoint, health
// probes and metrics, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *Registry { return a.registry }

// handleMedia accepts one media stream and runs its call to completion.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := twilio.Accept(w, r, a.twilioOpts...)
	if err != nil {
		a.log.Warn("media stream rejected", "err", err)
		return
	}

	id, err := a.registry.Open(conn)
	if err != nil {
		a.log.Warn("cannot open session", "stream_sid", conn.Info().StreamID, "err", err)
		if !errors.Is(err, ErrSessionExists) {
			_ = conn.Close()
		}
		return
	}
	sess, ok := a.registry.Get(id)
	if !ok {
		return
	}

	if err := sess.Run(a.baseCtx); err != nil {
		a.log.Error("session run failed", "session_id", id, "err", err)
	}
	// The session is closed by now; this only unregisters it.
	if err := a.registry.Close(context.WithoutCancel(r.Context()), id, call.CloseHangup); err != nil {
		a.log.Warn("unregistering session failed", "session_id", id, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the node as draining, closes every live call with its
// closing phrase and then runs the registered closers in reverse order. If
// ctx expires first, the remaining calls are cut off.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		a.health.SetDraining()
		a.log.Info("shutting down", "active_sessions", a.registry.Len(), "closers", len(a.closers))

		var errs []error
		if err := a.registry.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		a.cancel()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
