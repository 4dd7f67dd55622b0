// Package pipeline runs one conversation turn: speech-to-text, safety
// screening, reasoning, reply screening, normalization, speech synthesis and
// wire encoding, strictly in that order.
//
// Each provider call runs under its own timeout derived from the turn context,
// so cancelling the turn (hangup, hard cutoff) cancels whichever stage is in
// flight. A failed or timed-out stage is never retried; the turn falls back to
// a fixed utterance instead and the conversation is left untouched.
//
// A [Pipeline] holds no per-call state and may be shared by all sessions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/carecall/internal/alert"
	"github.com/MrWong99/carecall/internal/intent"
	"github.com/MrWong99/carecall/internal/observe"
	"github.com/MrWong99/carecall/internal/session"
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/llm"
	"github.com/MrWong99/carecall/pkg/provider/safety"
	"github.com/MrWong99/carecall/pkg/provider/safety/pattern"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// DefaultFallbackText is spoken when a stage fails.
const DefaultFallbackText = "Sorry, could you repeat that?"

// Config holds the pipeline's tuning. It is copied at construction.
type Config struct {
	// Per-stage timeouts. Zero disables the individual timeout; the turn
	// context still applies.
	STTTimeout       time.Duration
	ReasoningTimeout time.Duration
	TTSTimeout       time.Duration
	SafetyTimeout    time.Duration

	// FallbackText is spoken instead of a reply when STT or reasoning fails.
	FallbackText string

	// SafeReplyText replaces an assistant reply the safety monitor flags as
	// urgent or worse.
	SafeReplyText string

	// FarewellText answers a caller who says goodbye.
	FarewellText string

	// SystemPrompt is sent with every reasoning request.
	SystemPrompt string

	// History bounds the conversation window sent to the reasoning service.
	History session.Window

	// Temperature and MaxTokens are passed through to the reasoning service.
	Temperature float64
	MaxTokens   int

	// MinTranscriptChars is the number of letters or digits a transcript needs
	// to count as speech.
	MinTranscriptChars int

	// AlertLevel is the lowest safety level that raises an alert.
	AlertLevel safety.Level

	// Language is passed to STT as a hint.
	Language string

	// Voice is the synthesis voice for every utterance.
	Voice tts.VoiceProfile
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		STTTimeout:         5 * time.Second,
		ReasoningTimeout:   8 * time.Second,
		TTSTimeout:         5 * time.Second,
		SafetyTimeout:      2 * time.Second,
		FallbackText:       DefaultFallbackText,
		SafeReplyText:      "I'm not the right one to advise on that. Please check with your doctor or your care team.",
		FarewellText:       "It was lovely talking with you. Take care, and goodbye!",
		History:            session.Window{MaxExchanges: 10},
		Temperature:        0.7,
		MaxTokens:          150,
		MinTranscriptChars: 2,
		AlertLevel:         safety.LevelWarning,
	}
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"stt timeout":       c.STTTimeout,
		"reasoning timeout": c.ReasoningTimeout,
		"tts timeout":       c.TTSTimeout,
		"safety timeout":    c.SafetyTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline: %s must not be negative, got %s", name, d))
		}
	}
	if strings.TrimSpace(c.FallbackText) == "" {
		errs = append(errs, errors.New("pipeline: fallback text is required"))
	}
	if strings.TrimSpace(c.SafeReplyText) == "" {
		errs = append(errs, errors.New("pipeline: safe reply text is required"))
	}
	if strings.TrimSpace(c.FarewellText) == "" {
		errs = append(errs, errors.New("pipeline: farewell text is required"))
	}
	if c.MinTranscriptChars < 0 {
		errs = append(errs, fmt.Errorf("pipeline: min transcript chars must not be negative, got %d", c.MinTranscriptChars))
	}
	if c.History.MaxExchanges < 0 || c.History.MaxTokens < 0 {
		errs = append(errs, errors.New("pipeline: history window must not be negative"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithSafetyMonitor sets the safety classifier. Default: the pattern monitor
// with its built-in rules.
func WithSafetyMonitor(m safety.Monitor) Option {
	return func(p *Pipeline) { p.safety = m }
}

// WithAlerter sets where safety alerts go. Default: a log alerter.
func WithAlerter(a alert.Alerter) Option {
	return func(p *Pipeline) { p.alerts = a }
}

// WithFarewellDetector sets the caller farewell detector. Pass nil to disable
// farewell handling.
func WithFarewellDetector(d *intent.Detector) Option {
	return func(p *Pipeline) { p.farewell = d }
}

// WithCloserDetector sets the detector that recognises an assistant reply
// wrapping the call up. Pass nil to disable.
func WithCloserDetector(d *intent.Detector) Option {
	return func(p *Pipeline) { p.closers = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline runs conversation turns. It is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	stt      stt.Provider
	llm      llm.Provider
	tts      tts.Provider
	safety   safety.Monitor
	alerts   alert.Alerter
	farewell *intent.Detector
	closers  *intent.Detector
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// New returns a pipeline over the given providers. All three are required.
func New(cfg Config, s stt.Provider, l llm.Provider, t tts.Provider, opts ...Option) (*Pipeline, error) {
	if s == nil || l == nil || t == nil {
		return nil, errors.New("pipeline: stt, llm and tts providers are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		stt:      s,
		llm:      l,
		tts:      t,
		farewell: intent.NewDetector(),
		closers:  intent.NewDetector(intent.WithPhrases(intent.DefaultClosers()...)),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.safety == nil {
		p.safety = pattern.New()
	}
	if p.alerts == nil {
		p.alerts = alert.NewLogAlerter(p.log)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Turn is the input to [Pipeline.Run].
type Turn struct {
	// Conversation receives the exchange when the turn succeeds.
	Conversation *session.Conversation

	// PCM is the completed utterance at [audio.WireSampleRate].
	PCM []int16

	// Prefix is spoken before the reply or fallback, e.g. a time warning.
	Prefix string

	// CallID tags alerts with the telephony call identifier.
	CallID string

	// Encoder converts synthesized speech to wire audio. Nil uses a fresh one.
	Encoder *audio.WireEncoder
}

// Run executes one turn. It never returns an error directly: failures are
// reported through [Result.Outcome] and [Result.Err]. The conversation is
// appended to only for reply, farewell and emergency outcomes.
func (p *Pipeline) Run(ctx context.Context, t Turn) Result {
	ctx, span := observe.StartSpan(ctx, "pipeline.turn",
		observe.AttrSessionID.String(t.Conversation.SessionID()))
	defer span.End()
	start := time.Now()

	res := p.run(ctx, t)
	span.SetAttributes(observe.AttrOutcome.String(res.Outcome.String()))

	p.metrics.RecordStage(ctx, observe.StageTurn, time.Since(start))
	p.metrics.RecordTurn(ctx, res.Outcome.String())
	observe.Logger(ctx, p.log).Debug("turn finished",
		"session_id", t.Conversation.SessionID(),
		"outcome", res.Outcome.String(),
		"transcript_len", len(res.Transcript),
		"reply_len", len(res.Reply),
		"audio_bytes", len(res.Audio),
		"end_call", res.EndCall,
	)
	return res
}

func (p *Pipeline) run(ctx context.Context, t Turn) Result {
	if t.Encoder == nil {
		t.Encoder = &audio.WireEncoder{}
	}
	var res Result

	// 1. Speech to text.
	tr, err := p.transcribe(ctx, t.PCM)
	res.Usage.STTSeconds = (time.Duration(len(t.PCM)) * time.Second / audio.WireSampleRate).Seconds()
	if err != nil {
		return p.fallback(ctx, t, res, err)
	}
	res.Transcript = strings.TrimSpace(tr.Text)
	if !meaningful(res.Transcript, p.cfg.MinTranscriptChars) {
		res.Outcome = OutcomeDiscarded
		res.Err = ErrEmptyTranscript
		return res
	}

	// 2. Screen the caller.
	res.CallerSafety = p.screen(ctx, t, res.Transcript, safety.RoleCaller, &res)
	if res.CallerSafety.Emergency() {
		return p.emergency(t, res, res.CallerSafety)
	}

	// 3. Farewell or reasoning.
	var reply string
	res.Outcome = OutcomeReply
	if _, ok := p.detectFarewell(res.Transcript); ok {
		res.Outcome = OutcomeFarewell
		res.EndCall = true
		reply = p.cfg.FarewellText
	} else {
		resp, err := p.reason(ctx, t.Conversation, res.Transcript)
		if err != nil {
			return p.fallback(ctx, t, res, err)
		}
		res.Usage.PromptTokens = resp.Usage.PromptTokens
		res.Usage.CompletionTokens = resp.Usage.CompletionTokens
		reply = strings.TrimSpace(resp.Content)

		// 4. Screen the reply.
		res.ReplySafety = p.screen(ctx, t, reply, safety.RoleAssistant, &res)
		if res.ReplySafety.Emergency() {
			return p.emergency(t, res, res.ReplySafety)
		}
		if res.ReplySafety.Level >= safety.LevelUrgent {
			reply = p.cfg.SafeReplyText
		}
		if p.closers != nil {
			if _, ok := p.closers.Farewell(reply); ok {
				res.EndCall = true
			}
		}
	}

	// 5. Normalize, synthesize, encode.
	spoken := joinPrefix(t.Prefix, reply)
	wire, err := p.speak(ctx, t.Encoder, spoken)
	res.Usage.TTSChars = len(spoken)
	if err != nil {
		res.Outcome = OutcomeAborted
		res.EndCall = false
		res.Err = err
		return res
	}

	// 6. Commit.
	res.Reply = spoken
	res.Audio = wire
	res.PrefixSpoken = t.Prefix != ""
	t.Conversation.AppendExchange(res.Transcript, spoken, p.now())
	return res
}

// emergency ends the turn on an emergency classification of either side.
// Nothing is synthesized here; the session speaks the crisis response while
// closing. The flagged reply never reaches the conversation.
func (p *Pipeline) emergency(t Turn, res Result, c safety.Classification) Result {
	res.Outcome = OutcomeEmergency
	res.Reply = safety.CrisisResponse(c)
	res.EndCall = true
	t.Conversation.AppendExchange(res.Transcript, res.Reply, p.now())
	return res
}

// fallback speaks the fallback utterance after a failed STT or reasoning
// stage. Cancellation of the turn itself aborts instead.
func (p *Pipeline) fallback(ctx context.Context, t Turn, res Result, cause error) Result {
	res.Err = cause
	if ctx.Err() != nil {
		res.Outcome = OutcomeAborted
		return res
	}
	spoken := joinPrefix(t.Prefix, p.cfg.FallbackText)
	wire, err := p.speak(ctx, t.Encoder, spoken)
	res.Usage.TTSChars = len(spoken)
	if err != nil {
		res.Outcome = OutcomeAborted
		res.Err = errors.Join(cause, err)
		return res
	}
	res.Outcome = OutcomeFallback
	res.Reply = spoken
	res.Audio = wire
	res.PrefixSpoken = t.Prefix != ""
	return res
}

// Speak synthesizes text outside of a turn (greeting, warning, closing) and
// returns wire audio. enc may be nil.
func (p *Pipeline) Speak(ctx context.Context, enc *audio.WireEncoder, text string) ([]byte, error) {
	if enc == nil {
		enc = &audio.WireEncoder{}
	}
	return p.speak(ctx, enc, text)
}

// ─── Stages ───────────────────────────────────────────────────────────────────

func (p *Pipeline) transcribe(ctx context.Context, pcm []int16) (stt.Transcript, error) {
	ctx, span := observe.StartStage(ctx, observe.StageSTT)
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.cfg.STTTimeout)
	defer cancel()

	start := time.Now()
	tr, err := p.stt.Transcribe(ctx, stt.Audio{
		PCM:        audio.SamplesToBytes(pcm),
		SampleRate: audio.WireSampleRate,
		Language:   p.cfg.Language,
	})
	p.metrics.RecordStage(ctx, observe.StageSTT, time.Since(start))
	if err != nil {
		return stt.Transcript{}, p.fail(ctx, observe.StageSTT, err)
	}
	return tr, nil
}

func (p *Pipeline) reason(ctx context.Context, conv *session.Conversation, transcript string) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartStage(ctx, observe.StageReasoning)
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.cfg.ReasoningTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(p.cfg.SystemPrompt, conv.Background()),
		Messages:     conv.Messages(p.cfg.History, transcript),
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
	})
	p.metrics.RecordStage(ctx, observe.StageReasoning, time.Since(start))
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = ErrEmptyReply
	}
	if err != nil {
		return nil, p.fail(ctx, observe.StageReasoning, err)
	}
	return resp, nil
}

// systemPrompt appends notes from earlier calls to the configured prompt.
func systemPrompt(base, background string) string {
	background = strings.TrimSpace(background)
	if background == "" {
		return base
	}
	if base == "" {
		return "Notes from earlier calls:\n" + background
	}
	return base + "\n\nNotes from earlier calls:\n" + background
}

func (p *Pipeline) speak(ctx context.Context, enc *audio.WireEncoder, text string) ([]byte, error) {
	ctx, span := observe.StartStage(ctx, observe.StageTTS)
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.cfg.TTSTimeout)
	defer cancel()

	start := time.Now()
	sp, err := p.tts.Synthesize(ctx, Normalize(text), p.cfg.Voice)
	p.metrics.RecordStage(ctx, observe.StageTTS, time.Since(start))
	if err == nil && (sp == nil || len(sp.PCM) < 2) {
		err = errors.New("no audio returned")
	}
	if err != nil {
		return nil, p.fail(ctx, observe.StageTTS, err)
	}
	return enc.Encode(sp.PCM, sp.SampleRate), nil
}

// screen classifies text and raises an alert when the level warrants it. A
// failing monitor counts as a stage error and yields no classification.
func (p *Pipeline) screen(ctx context.Context, t Turn, text string, role safety.Role, res *Result) safety.Classification {
	ctx, span := observe.StartStage(ctx, observe.StageSafety)
	defer span.End()
	sctx, cancel := withTimeout(ctx, p.cfg.SafetyTimeout)
	defer cancel()

	start := time.Now()
	cls, err := p.safety.Classify(sctx, text, role)
	p.metrics.RecordStage(ctx, observe.StageSafety, time.Since(start))
	if err != nil {
		p.log.Warn("safety monitor failed",
			"session_id", t.Conversation.SessionID(),
			"role", string(role),
			"err", p.fail(ctx, observe.StageSafety, err),
		)
		return safety.Classification{}
	}
	if cls.Level < p.cfg.AlertLevel || cls.Level == safety.LevelNone {
		return cls
	}

	p.metrics.RecordSafetyAlert(ctx, cls.Level.String(), string(cls.Category))
	res.Alerts++
	a := alert.Alert{
		SessionID: t.Conversation.SessionID(),
		CallerID:  t.Conversation.CallerID(),
		CallID:    t.CallID,
		Level:     cls.Level,
		Category:  cls.Category,
		Role:      role,
		Action:    cls.Action,
		Raised:    p.now(),
	}
	// Alert delivery must not depend on the turn surviving.
	if err := p.alerts.Raise(context.WithoutCancel(ctx), a); err != nil {
		p.log.Error("failed to raise safety alert",
			"session_id", a.SessionID,
			"level", a.Level.String(),
			"category", string(a.Category),
			"err", err,
		)
	}
	return cls
}

func (p *Pipeline) detectFarewell(transcript string) (intent.Match, bool) {
	if p.farewell == nil {
		return intent.Match{}, false
	}
	return p.farewell.Farewell(transcript)
}

// fail classifies err, records it and returns the wrapped *StageError.
func (p *Pipeline) fail(ctx context.Context, stage string, err error) error {
	se := stageError(stage, err)
	p.metrics.RecordStageError(ctx, stage, se.Kind)
	observe.RecordError(ctx, se)
	return se
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// meaningful reports whether s has at least minChars letters or digits, and
// at least one in any case.
func meaningful(s string, minChars int) bool {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n > 0 && n >= minChars
}

func joinPrefix(prefix, text string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return text
	}
	return prefix + " " + text
}
