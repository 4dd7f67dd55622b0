// Package openai provides text-to-speech backed by the OpenAI speech API.
//
// Audio is requested as raw PCM, which the API returns as 24 kHz mono 16-bit
// little-endian samples. The call session resamples it to the wire rate.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/carecall/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// pcmSampleRate is the fixed rate of the API's "pcm" response format.
	pcmSampleRate = 24000

	// maxSpeechBytes bounds one reply: 60 s of 24 kHz PCM.
	maxSpeechBytes = 60 * pcmSampleRate * 2
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model. Default: "gpt-4o-mini-tts".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout on top of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a speech provider. Retries are disabled.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
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
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if text == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}
	resp, err := p.client.Audio.Speech.New(ctx, buildParams(p.model, text, voice))
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("openai tts: empty audio response")
	}
	return &tts.Speech{PCM: pcm[:len(pcm)&^1], SampleRate: pcmSampleRate}, nil
}

func buildParams(model, text string, voice tts.VoiceProfile) oai.AudioSpeechNewParams {
	id := voice.ID
	if id == "" {
		id = defaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = oai.Float(min(max(voice.SpeedFactor, 0.25), 4.0))
	}
	if voice.Instructions != "" {
		params.Instructions = oai.String(voice.Instructions)
	}
	return params
}
