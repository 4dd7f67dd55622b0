// Command carecall is the main entry point for the carecall voice-call server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/carecall/internal/alert"
	"github.com/MrWong99/carecall/internal/app"
	"github.com/MrWong99/carecall/internal/config"
	"github.com/MrWong99/carecall/internal/health"
	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/pkg/memory/postgres"
	"github.com/MrWong99/carecall/pkg/memory/sqlite"
	"github.com/MrWong99/carecall/pkg/provider/llm"
	"github.com/MrWong99/carecall/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/carecall/pkg/provider/llm/openai"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	"github.com/MrWong99/carecall/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/carecall/pkg/provider/stt/openai"
	"github.com/MrWong99/carecall/pkg/provider/stt/whisper"
	"github.com/MrWong99/carecall/pkg/provider/tts"
	"github.com/MrWong99/carecall/pkg/provider/tts/coqui"
	"github.com/MrWong99/carecall/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/carecall/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload call settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "carecall: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "carecall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("carecall starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observe.Environment,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline.Language)
	if err := reg.Check(cfg.Providers); err != nil {
		slog.Error("unknown provider in config", "err", err)
		return 1
	}

	providers, providerClosers, err := buildProviders(cfg, reg)
	if err != nil {
		for _, c := range providerClosers {
			_ = c()
		}
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Persistence and alerts ────────────────────────────────────────────────
	opts := []app.Option{app.WithLogger(logger)}
	for _, c := range providerClosers {
		opts = append(opts, app.WithCloser(c))
	}

	storeOpts, err := openStore(ctx, cfg.Persistence)
	if err != nil {
		slog.Error("failed to open call store", "err", err)
		return 1
	}
	opts = append(opts, storeOpts...)

	alertOpts, err := openAlerter(cfg.Alerts, logger)
	if err != nil {
		slog.Error("failed to connect alert bus", "err", err)
		return 1
	}
	opts = append(opts, alertOpts...)

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		}
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx, func(r config.Reload) error {
				return applyConfigChange(r, &level, application)
			})
		})
	}
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr, "media_path", cfg.Server.MediaPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Media streams are hijacked connections, which http.Server.Shutdown
		// does not wait for, so live calls are drained first.
		appErr := application.Shutdown(sctx)
		return errors.Join(appErr, srv.Shutdown(sctx))
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange applies a reload. Call settings take effect for new
// calls; everything else needs a restart. A rejected call config keeps the
// old config running, log level included.
func applyConfigChange(r config.Reload, level *slog.LevelVar, application *app.App) error {
	if r.Diff.CallChanged {
		if err := application.Reload(r.New); err != nil {
			return err
		}
	}
	if r.Diff.LogLevelChanged {
		level.Set(slogLevel(r.Diff.NewLogLevel))
		slog.Info("log level changed", "level", r.Diff.NewLogLevel)
	}
	if len(r.Diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", r.Diff.RestartRequired)
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the reasoning backends served through any-llm-go. They
// share the same pattern: optional APIKey + optional BaseURL.
var anyllmBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// lang is the call language used when an entry sets no language option.
func registerBuiltinProviders(reg *config.Registry, lang string) {
	language := func(entry config.ProviderEntry) string {
		if l := entry.OptString("language"); l != "" {
			return l
		}
		return lang
	}

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if l := language(entry); l != "" {
			opts = append(opts, deepgram.WithLanguage(l))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if l := language(entry); l != "" {
			opts = append(opts, whisper.WithLanguage(l))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptString("model_path")
		}
		var opts []whisper.NativeOption
		if l := language(entry); l != "" {
			opts = append(opts, whisper.WithNativeLanguage(l))
		}
		if n := entry.OptInt("threads"); n > 0 {
			opts = append(opts, whisper.WithThreads(uint(n)))
		}
		if n := entry.OptInt("max_parallel"); n > 0 {
			opts = append(opts, whisper.WithMaxParallel(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if l := language(entry); l != "" {
			opts = append(opts, sttopenai.WithLanguage(l))
		}
		if prompt := entry.OptString("prompt"); prompt != "" {
			opts = append(opts, sttopenai.WithPrompt(prompt))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if l := language(entry); l != "" {
			opts = append(opts, coqui.WithLanguage(l))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates every configured provider chain, primary
// first, and collects Close methods of providers that hold resources.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, []func() error, error) {
	var (
		ps      app.Providers
		closers []func() error
	)
	track := func(p any) {
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	for _, entry := range cfg.Providers.STT.Entries() {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return ps, closers, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		track(p)
		ps.STT = append(ps.STT, app.Named[stt.Provider]{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	for _, entry := range cfg.Providers.LLM.Entries() {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return ps, closers, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = append(ps.LLM, app.Named[llm.Provider]{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	for _, entry := range cfg.Providers.TTS.Entries() {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return ps, closers, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = append(ps.TTS, app.Named[tts.Provider]{Name: entry.Name, Provider: app.WithVoiceID(p, entry.Voice)})
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	return ps, closers, nil
}

// openStore connects the configured call-record backend and returns the app
// options that wire it in: the store, a readiness check and a closer.
func openStore(ctx context.Context, cfg config.PersistenceConfig) ([]app.Option, error) {
	switch cfg.Backend {
	case config.PersistencePostgres:
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("call store ready", "backend", cfg.Backend)
		return []app.Option{
			app.WithStore(store),
			app.WithHealthCheckers(health.Checker{Name: "store", Check: store.Ping}),
			app.WithCloser(func() error { store.Close(); return nil }),
		}, nil

	case config.PersistenceSQLite:
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("call store ready", "backend", cfg.Backend, "path", cfg.DSN)
		return []app.Option{
			app.WithStore(store),
			app.WithHealthCheckers(health.Checker{Name: "store", Check: store.Ping}),
			app.WithCloser(store.Close),
		}, nil

	default:
		slog.Warn("call records are not persisted", "backend", cfg.Backend)
		return nil, nil
	}
}

// openAlerter returns the alert sink options. Alerts are always logged; with
// a NATS URL they are published as well.
func openAlerter(cfg config.AlertsConfig, logger *slog.Logger) ([]app.Option, error) {
	logAlerter := alert.NewLogAlerter(logger)
	if cfg.NATSURL == "" {
		return []app.Option{app.WithAlerter(logAlerter)}, nil
	}

	bus, err := alert.DialNATS(alert.NATSConfig{
		URL:      cfg.NATSURL,
		Subject:  cfg.Subject,
		Username: cfg.Username,
		Password: cfg.Password,
		Token:    cfg.Token,
	}, logger)
	if err != nil {
		return nil, err
	}
	return []app.Option{
		app.WithAlerter(alert.Multi{logAlerter, bus}),
		app.WithHealthCheckers(health.Checker{
			Name:     "alerts",
			Optional: true,
			Check: func(context.Context) error {
				if !bus.Healthy() {
					return errors.New("nats connection down")
				}
				return nil
			},
		}),
		app.WithCloser(bus.Close),
	}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        carecall: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("STT", cfg.Providers.STT)
	printProvider("TTS", cfg.Providers.TTS)
	printRow("Persistence", string(cfg.Persistence.Backend))
	if cfg.Alerts.NATSURL != "" {
		printRow("Alerts", "nats / "+cfg.Alerts.MinLevel)
	} else {
		printRow("Alerts", "log / "+cfg.Alerts.MinLevel)
	}
	if cfg.Server.MaxSessions > 0 {
		printRow("Max calls", fmt.Sprint(cfg.Server.MaxSessions))
	} else {
		printRow("Max calls", "(unlimited)")
	}
	printRow("Call limit", cfg.Call.MaxDuration.String())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, chain config.ProviderChain) {
	value := chain.Name
	if chain.Model != "" {
		value += " / " + chain.Model
	}
	if n := len(chain.Fallbacks); n > 0 {
		value += fmt.Sprintf(" (+%d)", n)
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
