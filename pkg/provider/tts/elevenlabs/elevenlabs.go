// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
//
// Each reply opens its own stream: the text is sent once with a flush, an
// empty text message ends the input, and the audio chunks are concatenated
// until ElevenLabs marks the last one final.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/carecall/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io/v1"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	readLimit = 1 << 20
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_8000", "pcm_16000",
// "pcm_22050", "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API base, e.g. for a regional deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	endpoint     string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty and the
// output format must be one of the raw PCM formats.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// pcmRate extracts the sample rate from a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return rate, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, _, err := websocket.Dial(ctx, p.buildURL(voice.ID), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	// ElevenLabs requires a single space as the first text value.
	first := textMessage{Text: " ", VoiceSettings: settingsFor(voice)}
	for _, msg := range []textMessage{first, {Text: text + " ", Flush: true}, {Text: ""}} {
		if err := writeJSON(ctx, conn, msg); err != nil {
			return nil, err
		}
	}

	var pcm []byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if len(pcm) == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}
	return &tts.Speech{PCM: pcm[:len(pcm)&^1], SampleRate: p.sampleRate}, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg textMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// settingsFor maps a voice profile to ElevenLabs voice settings. Speed is
// clamped to the 0.7–1.2 range the API accepts.
func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = min(max(voice.SpeedFactor, 0.7), 1.2)
	}
	return vs
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + "/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}
