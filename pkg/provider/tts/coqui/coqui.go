// Package coqui speaks through a self-hosted Coqui TTS server. The standard
// server is queried with GET /api/tts; an XTTS v2 server with a JSON POST to
// /tts_to_audio/ where the voice ID names a reference speaker file. Both
// answer with one WAV file per request.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

const (
	// maxWAVBytes bounds one reply: a minute of 48 kHz 16-bit mono.
	maxWAVBytes = 60 * 48000 * 2
	// errBodyBytes is how much of a failed reply ends up in the error.
	errBodyBytes = 256
)

// Provider implements tts.Provider against one Coqui server.
type Provider struct {
	base     string
	language string
	mode     APIMode
	client   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with each request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each request. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// New returns a provider for the server at baseURL, e.g.
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL is required")
	}
	p := &Provider{
		base:     strings.TrimRight(baseURL, "/"),
		language: "en",
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.mode)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: nothing to say")
	}
	var (
		req *http.Request
		err error
	)
	if p.mode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, voice.ID)
	} else {
		req, err = p.standardRequest(ctx, text, voice.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyBytes))
		return nil, fmt.Errorf("coqui: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return nil, fmt.Errorf("coqui: read reply: %w", err)
	}
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		return nil, fmt.Errorf("coqui: want 16-bit mono, server sent %d-bit with %d channels", info.BitsPerSample, info.Channels)
	}
	return &tts.Speech{PCM: pcm, SampleRate: info.SampleRate}, nil
}

func (p *Provider) standardRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/tts?"+q.Encode(), nil)
}

func (p *Provider) xttsRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Text       string `json:"text"`
		SpeakerWav string `json:"speaker_wav"`
		Language   string `json:"language"`
	}{text, speaker, p.language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
