package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/carecall/pkg/provider/safety"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "whisper-native", "openai"},
	"tts": {"elevenlabs", "coqui", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected. An empty document decodes to the
// defaults, which still lack the required providers.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !strings.HasPrefix(cfg.Server.MediaPath, "/") {
		errs = append(errs, fmt.Errorf("server.media_path %q must start with /", cfg.Server.MediaPath))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions must not be negative, got %d", cfg.Server.MaxSessions))
	}

	// Providers
	errs = append(errs, validateChain("stt", cfg.Providers.STT)...)
	errs = append(errs, validateChain("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateChain("tts", cfg.Providers.TTS)...)

	// Component sections are checked by the owning packages.
	if err := cfg.ToCall().Validate(); err != nil {
		errs = append(errs, err)
	}
	if pc, err := cfg.ToPipeline(); err != nil {
		errs = append(errs, fmt.Errorf("alerts.min_level: %w", err))
	} else if err := pc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s := cfg.Call.Voice.SpeedFactor; s < 0.5 || s > 2.0 {
		errs = append(errs, fmt.Errorf("call.voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	// Persistence
	switch {
	case !cfg.Persistence.Backend.IsValid():
		errs = append(errs, fmt.Errorf("persistence.backend %q is invalid; valid values: postgres, sqlite, none", cfg.Persistence.Backend))
	case cfg.Persistence.Backend != PersistenceNone && cfg.Persistence.DSN == "":
		errs = append(errs, fmt.Errorf("persistence.dsn is required for backend %q", cfg.Persistence.Backend))
	}

	// Observe
	if !strings.HasPrefix(cfg.Observe.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("observe.metrics_path %q must start with /", cfg.Observe.MetricsPath))
	}
	if cfg.Observe.MetricsPath == cfg.Server.MediaPath {
		errs = append(errs, fmt.Errorf("observe.metrics_path and server.media_path are both %q", cfg.Server.MediaPath))
	}
	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %v must be within [0, 1]", r))
	}

	if cfg.Alerts.NATSURL == "" {
		slog.Warn("alerts.nats_url is empty; safety alerts will only be logged")
	}
	if lvl, err := safety.ParseLevel(cfg.Alerts.MinLevel); err == nil && lvl == safety.LevelNone {
		errs = append(errs, errors.New("alerts.min_level must not be none"))
	}

	return errors.Join(errs...)
}

// validateChain checks one provider kind: the primary is required and every
// entry needs a name.
func validateChain(kind string, chain ProviderChain) []error {
	var errs []error
	if chain.Name == "" {
		return []error{fmt.Errorf("providers.%s.name is required", kind)}
	}
	validateProviderName(kind, chain.Name)
	for i, fb := range chain.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
