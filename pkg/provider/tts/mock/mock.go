// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to the pipeline and to verify which
// text and VoiceProfile reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Speech{PCM: pcm, SampleRate: 8000},
//	}
//	speech, _ := p.Synthesize(ctx, "Hello there.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by Synthesize. When nil, Synthesize returns
	// one 8 kHz sample per input character so tests can tell replies apart by
	// length.
	SynthesizeResult *tts.Speech

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if non-nil, replaces the canned result entirely.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error)

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn, res, err := p.SynthesizeFunc, p.SynthesizeResult, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &tts.Speech{PCM: make([]byte, 2*len(text)), SampleRate: 8000}
	}
	return res, nil
}

// Texts returns the text of every recorded Synthesize call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
