// Package whisper provides speech-to-text backed by whisper.cpp, either over
// the HTTP API of a running whisper-server ([Provider]) or in-process through
// the cgo bindings ([NativeProvider]).
//
// whisper.cpp expects 16 kHz mono audio, so telephony utterances are upsampled
// before inference. Non-speech annotations whisper emits for silence or noise
// ("[BLANK_AUDIO]", "(wind blowing)") are stripped, which lets the pipeline
// treat an inaudible utterance as an empty transcript.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 8000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/stt"
)

const (
	// modelSampleRate is the rate whisper models are trained on.
	modelSampleRate = 16000

	defaultLanguage = "en"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). Empty uses whichever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code (e.g., "en", "de"). A language
// on the [stt.Audio] takes precedence. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the HTTP client. Default: a client with a 30s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider that posts to the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. It encodes the utterance as a WAV file
// and POSTs it to the server's /inference endpoint.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.PCM) == 0 {
		return stt.Transcript{}, nil
	}
	lang := a.Language
	if lang == "" {
		lang = p.language
	}
	wav := audio.EncodeWAV(toModelRate(a), modelSampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": lang, "model": p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return stt.Transcript{Text: cleanText(result.Text), Language: lang}, nil
}

// ---- helpers ----------------------------------------------------------------

// annotation matches whisper's bracketed or parenthesised non-speech markers.
var annotation = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// cleanText strips non-speech annotations and collapses whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(annotation.ReplaceAllString(s, " ")), " ")
}
