// Package config provides the configuration schema, loader, and provider
// registry for the carecall voice-call server.
//
// A [Config] is loaded once at startup and treated as immutable. Components
// never read it directly; the To* methods convert each section into the
// owning package's own config type at construction.
package config

import (
	"time"

	"github.com/MrWong99/carecall/internal/call"
	"github.com/MrWong99/carecall/internal/pipeline"
	"github.com/MrWong99/carecall/internal/session"
	"github.com/MrWong99/carecall/internal/turn"
	"github.com/MrWong99/carecall/internal/vad"
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/safety"
	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PersistenceBackend selects where finished call records are written.
type PersistenceBackend string

const (
	PersistencePostgres PersistenceBackend = "postgres"
	PersistenceSQLite   PersistenceBackend = "sqlite"
	PersistenceNone     PersistenceBackend = "none"
)

// IsValid reports whether b is a recognised persistence backend.
func (b PersistenceBackend) IsValid() bool {
	switch b {
	case PersistencePostgres, PersistenceSQLite, PersistenceNone:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	VAD         VADConfig         `yaml:"vad"`
	Turn        TurnConfig        `yaml:"turn"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Call        CallConfig        `yaml:"call"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Observe     ObserveConfig     `yaml:"observe"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MediaPath is the path the telephony provider opens media streams on.
	MediaPath string `yaml:"media_path"`

	// LogLevel sets the minimum log level. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps concurrent calls. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds draining live calls on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig selects the speech and reasoning vendors.
type ProvidersConfig struct {
	STT ProviderChain `yaml:"stt"`
	LLM ProviderChain `yaml:"llm"`
	TTS ProviderChain `yaml:"tts"`

	// CircuitBreaker tunes the breaker placed in front of every provider.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry configures a single provider instance.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Voice overrides the call voice ID for this TTS provider only. Voice
	// IDs are vendor specific, so each TTS entry may carry its own.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration not covered above.
	Options map[string]any `yaml:"options"`
}

// ProviderChain is a primary provider followed by fallbacks tried in order
// when it fails or its circuit is open.
type ProviderChain struct {
	ProviderEntry `yaml:",inline"`

	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Entries returns the primary followed by the fallbacks. It is empty when no
// primary is configured.
func (c ProviderChain) Entries() []ProviderEntry {
	if c.Name == "" {
		return nil
	}
	return append([]ProviderEntry{c.ProviderEntry}, c.Fallbacks...)
}

// BreakerConfig tunes provider circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// VADConfig tunes the voice activity filter.
type VADConfig struct {
	// ChunkDuration is the length of audio judged at once.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	EnergyFloor        float64 `yaml:"energy_floor"`
	BaselineMultiplier float64 `yaml:"baseline_multiplier"`
	ZCRMin             float64 `yaml:"zcr_min"`
	ZCRMax             float64 `yaml:"zcr_max"`
	MinCrest           float64 `yaml:"min_crest"`
	CentroidMinHz      float64 `yaml:"centroid_min_hz"`
	CentroidMaxHz      float64 `yaml:"centroid_max_hz"`
	InitialBaseline    float64 `yaml:"initial_baseline"`

	LearningWindow time.Duration `yaml:"learning_window"`
	Alpha          float64       `yaml:"alpha"`
	UpdateEvery    int           `yaml:"update_every"`
}

// TurnConfig tunes utterance segmentation.
type TurnConfig struct {
	SustainedSpeechChunks int           `yaml:"sustained_speech_chunks"`
	SilenceChunks         int           `yaml:"silence_chunks"`
	Cooldown              time.Duration `yaml:"cooldown"`
	MaxUtterance          time.Duration `yaml:"max_utterance"`
}

// PipelineConfig tunes the per-turn processing chain.
type PipelineConfig struct {
	STTTimeout       time.Duration `yaml:"stt_timeout"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
	TTSTimeout       time.Duration `yaml:"tts_timeout"`
	SafetyTimeout    time.Duration `yaml:"safety_timeout"`
	FallbackText     string        `yaml:"fallback_text"`
	SafeReplyText    string        `yaml:"safe_reply_text"`
	HistoryTurns     int           `yaml:"history_turns"`
	HistoryTokens    int           `yaml:"history_tokens"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	SystemPrompt     string        `yaml:"system_prompt"`
	Language         string        `yaml:"language"`
	MinTranscriptLen int           `yaml:"min_transcript_chars"`
}

// CallConfig tunes a single call session.
type CallConfig struct {
	MaxDuration     time.Duration `yaml:"max_duration"`
	WarningLead     time.Duration `yaml:"warning_lead"`
	Greeting        string        `yaml:"greeting"`
	Warning         string        `yaml:"warning"`
	Closing         string        `yaml:"closing"`
	Farewell        string        `yaml:"farewell"`
	FarewellPhrases []string      `yaml:"farewell_phrases"`
	MaxTurns        int           `yaml:"max_turns"`
	IntakeBuffer    int           `yaml:"intake_buffer"`
	ClosingGrace    time.Duration `yaml:"closing_grace"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	CallerParam     string        `yaml:"caller_param"`
	Voice           VoiceConfig   `yaml:"voice"`
}

// VoiceConfig describes the assistant voice.
type VoiceConfig struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	SpeedFactor  float64 `yaml:"speed_factor"`
	Instructions string  `yaml:"instructions"`
}

// AlertsConfig configures out-of-band safety alerts. An empty URL logs
// alerts instead of publishing them.
type AlertsConfig struct {
	NATSURL  string `yaml:"nats_url"`
	Subject  string `yaml:"subject"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// MinLevel is the lowest safety level that raises an alert.
	MinLevel string `yaml:"min_level"`
}

// PersistenceConfig selects the call-record sink.
type PersistenceConfig struct {
	Backend PersistenceBackend `yaml:"backend"`

	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn"`
}

// ObserveConfig configures metrics and tracing.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`

	// Environment tags telemetry with deployment.environment.
	Environment string `yaml:"environment"`

	// TraceSampleRatio samples that fraction of calls; 0 samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ─── Defaults ────────────────────────────────────────────────────────────────

// setDefault assigns d to *v when *v is the zero value.
func setDefault[T comparable](v *T, d T) {
	var zero T
	if *v == zero {
		*v = d
	}
}

// ApplyDefaults fills every zero-valued field with its production default.
// A setting whose zero value is meaningful (such as max_turns) keeps it.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.MediaPath, "/media")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, 15*time.Second)

	setDefault(&cfg.Providers.CircuitBreaker.MaxFailures, 5)
	setDefault(&cfg.Providers.CircuitBreaker.ResetTimeout, 30*time.Second)
	setDefault(&cfg.Providers.CircuitBreaker.HalfOpenMax, 3)

	cd := call.DefaultConfig()
	vd := vad.DefaultConfig()
	setDefault(&cfg.VAD.ChunkDuration, cd.ChunkDuration)
	setDefault(&cfg.VAD.EnergyFloor, vd.EnergyFloor)
	setDefault(&cfg.VAD.BaselineMultiplier, vd.BaselineMultiplier)
	setDefault(&cfg.VAD.ZCRMin, vd.ZCRMin)
	setDefault(&cfg.VAD.ZCRMax, vd.ZCRMax)
	setDefault(&cfg.VAD.MinCrest, vd.MinCrest)
	setDefault(&cfg.VAD.CentroidMinHz, vd.CentroidMinHz)
	setDefault(&cfg.VAD.CentroidMaxHz, vd.CentroidMaxHz)
	setDefault(&cfg.VAD.InitialBaseline, vd.InitialBaseline)
	setDefault(&cfg.VAD.LearningWindow, vd.LearningWindow)
	setDefault(&cfg.VAD.Alpha, vd.Alpha)
	setDefault(&cfg.VAD.UpdateEvery, vd.UpdateEvery)

	td := turn.DefaultConfig()
	setDefault(&cfg.Turn.SustainedSpeechChunks, td.SustainedSpeech)
	setDefault(&cfg.Turn.SilenceChunks, td.SilenceRun)
	setDefault(&cfg.Turn.Cooldown, td.Cooldown)
	setDefault(&cfg.Turn.MaxUtterance, time.Duration(td.MaxSamples)*time.Second/audio.WireSampleRate)

	pd := pipeline.DefaultConfig()
	setDefault(&cfg.Pipeline.STTTimeout, pd.STTTimeout)
	setDefault(&cfg.Pipeline.LLMTimeout, pd.ReasoningTimeout)
	setDefault(&cfg.Pipeline.TTSTimeout, pd.TTSTimeout)
	setDefault(&cfg.Pipeline.SafetyTimeout, pd.SafetyTimeout)
	setDefault(&cfg.Pipeline.FallbackText, pd.FallbackText)
	setDefault(&cfg.Pipeline.SafeReplyText, pd.SafeReplyText)
	setDefault(&cfg.Pipeline.HistoryTurns, pd.History.MaxExchanges)
	setDefault(&cfg.Pipeline.Temperature, pd.Temperature)
	setDefault(&cfg.Pipeline.MaxTokens, pd.MaxTokens)
	setDefault(&cfg.Pipeline.SystemPrompt, DefaultSystemPrompt)
	setDefault(&cfg.Pipeline.MinTranscriptLen, pd.MinTranscriptChars)

	setDefault(&cfg.Call.MaxDuration, cd.MaxDuration)
	setDefault(&cfg.Call.WarningLead, cd.WarningLead)
	setDefault(&cfg.Call.Greeting, cd.Greeting)
	setDefault(&cfg.Call.Warning, cd.WarningText)
	setDefault(&cfg.Call.Closing, cd.ClosingText)
	setDefault(&cfg.Call.Farewell, pd.FarewellText)
	setDefault(&cfg.Call.IntakeBuffer, cd.IntakeBuffer)
	setDefault(&cfg.Call.ClosingGrace, cd.ClosingGrace)
	setDefault(&cfg.Call.PersistTimeout, cd.PersistTimeout)
	setDefault(&cfg.Call.CallerParam, cd.CallerParam)
	setDefault(&cfg.Call.Voice.SpeedFactor, 1.0)

	setDefault(&cfg.Alerts.MinLevel, pd.AlertLevel.String())

	setDefault(&cfg.Persistence.Backend, PersistenceNone)

	setDefault(&cfg.Observe.ServiceName, "carecall")
	setDefault(&cfg.Observe.MetricsPath, "/metrics")
}

// DefaultSystemPrompt frames the assistant as a warm check-in companion.
const DefaultSystemPrompt = `You are a friendly companion calling an older adult for a daily check-in.
Speak in short, warm sentences that sound natural when read aloud.
Ask about how they slept, meals, medication and plans for the day, one question at a time.
Never give medical advice; suggest contacting their doctor or care team instead.`

// ─── Conversions ─────────────────────────────────────────────────────────────

// ToVAD returns the voice activity filter config at the wire sample rate.
func (c *Config) ToVAD() vad.Config {
	v := c.VAD
	return vad.Config{
		SampleRate:         audio.WireSampleRate,
		EnergyFloor:        v.EnergyFloor,
		BaselineMultiplier: v.BaselineMultiplier,
		ZCRMin:             v.ZCRMin,
		ZCRMax:             v.ZCRMax,
		MinCrest:           v.MinCrest,
		CentroidMinHz:      v.CentroidMinHz,
		CentroidMaxHz:      v.CentroidMaxHz,
		InitialBaseline:    v.InitialBaseline,
		LearningWindow:     v.LearningWindow,
		Alpha:              v.Alpha,
		UpdateEvery:        v.UpdateEvery,
	}
}

// ToTurn returns the utterance accumulator config.
func (c *Config) ToTurn() turn.Config {
	return turn.Config{
		SustainedSpeech: c.Turn.SustainedSpeechChunks,
		SilenceRun:      c.Turn.SilenceChunks,
		Cooldown:        c.Turn.Cooldown,
		MaxSamples:      int(c.Turn.MaxUtterance * audio.WireSampleRate / time.Second),
	}
}

// ToPipeline returns the turn pipeline config. It fails only when
// alerts.min_level is not a safety level name.
func (c *Config) ToPipeline() (pipeline.Config, error) {
	level, err := safety.ParseLevel(c.Alerts.MinLevel)
	if err != nil {
		return pipeline.Config{}, err
	}
	p := c.Pipeline
	return pipeline.Config{
		STTTimeout:         p.STTTimeout,
		ReasoningTimeout:   p.LLMTimeout,
		TTSTimeout:         p.TTSTimeout,
		SafetyTimeout:      p.SafetyTimeout,
		FallbackText:       p.FallbackText,
		SafeReplyText:      p.SafeReplyText,
		FarewellText:       c.Call.Farewell,
		SystemPrompt:       p.SystemPrompt,
		History:            session.Window{MaxExchanges: p.HistoryTurns, MaxTokens: p.HistoryTokens},
		Temperature:        p.Temperature,
		MaxTokens:          p.MaxTokens,
		MinTranscriptChars: p.MinTranscriptLen,
		AlertLevel:         level,
		Language:           p.Language,
		Voice:              c.Voice(),
	}, nil
}

// Voice returns the call's voice profile.
func (c *Config) Voice() tts.VoiceProfile {
	v := c.Call.Voice
	return tts.VoiceProfile{
		ID:           v.ID,
		Name:         v.Name,
		SpeedFactor:  v.SpeedFactor,
		Instructions: v.Instructions,
	}
}

// ToCall returns the per-session config, including the nested filter and
// accumulator configs.
func (c *Config) ToCall() call.Config {
	cc := call.DefaultConfig()
	cc.ChunkDuration = c.VAD.ChunkDuration
	cc.VAD = c.ToVAD()
	cc.Turn = c.ToTurn()
	cc.MaxDuration = c.Call.MaxDuration
	cc.WarningLead = c.Call.WarningLead
	cc.Greeting = c.Call.Greeting
	cc.WarningText = c.Call.Warning
	cc.ClosingText = c.Call.Closing
	cc.MaxTurns = c.Call.MaxTurns
	cc.IntakeBuffer = c.Call.IntakeBuffer
	cc.ClosingGrace = c.Call.ClosingGrace
	cc.PersistTimeout = c.Call.PersistTimeout
	cc.CallerParam = c.Call.CallerParam
	return cc
}
