// Package openai provides speech-to-text backed by the OpenAI audio
// transcription API ("whisper-1", "gpt-4o-mini-transcribe" and compatible
// servers).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/stt"
)

const defaultModel = "gpt-4o-mini-transcribe"

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI transcription endpoint.
type Provider struct {
	client   oai.Client
	model    string
	language string
	prompt   string
}

type config struct {
	baseURL  string
	model    string
	language string
	prompt   string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model. Default: "gpt-4o-mini-transcribe".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the default ISO-639-1 language. A language on the
// [stt.Audio] takes precedence.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithPrompt sets a vocabulary hint sent with every request, e.g. the names
// of the caller's family members.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout on top of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a transcription provider. Retries are disabled.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// Transcribe implements stt.Provider. The utterance is uploaded as a WAV file
// at its native sample rate.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.PCM) == 0 {
		return stt.Transcript{}, nil
	}
	rate := a.SampleRate
	if rate <= 0 {
		rate = audio.WireSampleRate
	}
	lang := a.Language
	if lang == "" {
		lang = p.language
	}
	// The API takes ISO-639-1 codes only.
	lang, _, _ = strings.Cut(lang, "-")

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio.EncodeWAV(a.PCM, rate)), "utterance.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(res.Text), Language: lang}, nil
}
