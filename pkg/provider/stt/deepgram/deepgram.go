// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live WebSocket API. It implements the stt.Provider interface.
//
// Each utterance opens its own stream: the PCM is sent as binary messages,
// a CloseStream message asks Deepgram to flush, and the final results are
// joined into one transcript. Telephony audio is sent at its native rate;
// Deepgram accepts 8 kHz linear16 directly.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// sendChunk is the size of each binary audio message (250 ms at 8 kHz).
	sendChunk = 4000
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the live transcription endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.PCM) == 0 {
		return stt.Transcript{}, nil
	}
	lang := a.Language
	if lang == "" {
		lang = p.language
	}
	rate := a.SampleRate
	if rate <= 0 {
		rate = audio.WireSampleRate
	}
	wsURL, err := p.buildURL(lang, rate)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	for _, chunk := range audio.Split(a.PCM, sendChunk) {
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			return stt.Transcript{}, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	tr, err := collect(ctx, conn)
	if err != nil {
		return stt.Transcript{}, err
	}
	tr.Language = lang
	conn.Close(websocket.StatusNormalClosure, "utterance done")
	return tr, nil
}

// collect reads results until Deepgram reports the stream metadata or closes
// the connection, joining final segments in order.
func collect(ctx context.Context, conn *websocket.Conn) (stt.Transcript, error) {
	var (
		parts   []string
		confSum float64
	)
	finish := func() stt.Transcript {
		tr := stt.Transcript{Text: strings.Join(parts, " ")}
		if len(parts) > 0 {
			tr.Confidence = confSum / float64(len(parts))
		}
		return tr
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return finish(), nil
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read results: %w", err)
		}
		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		switch resp.Type {
		case "Metadata":
			return finish(), nil
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			alt := resp.Channel.Alternatives[0]
			if text := strings.TrimSpace(alt.Transcript); text != "" {
				parts = append(parts, text)
				confSum += alt.Confidence
			}
		}
	}
}

// buildURL constructs the streaming endpoint URL for one utterance.
func (p *Provider) buildURL(lang string, sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the subset of a Deepgram live message carecall reads.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse decodes a raw message. It reports false for messages
// that are not JSON objects with a type.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Type == "" {
		return deepgramResponse{}, false
	}
	return resp, true
}
