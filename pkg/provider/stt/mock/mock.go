// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "I feel fine today"}}
//	tr, _ := p.Transcribe(ctx, audio)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carecall/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the audio passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe.
	Result stt.Transcript

	// Results, if non-empty, is consumed one entry per call before falling
	// back to Result.
	Results []stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, replaces the canned result entirely.
	TranscribeFunc func(ctx context.Context, audio stt.Audio) (stt.Transcript, error)

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: audio})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	if len(p.Results) > 0 {
		res = p.Results[0]
		p.Results = p.Results[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// Calls returns a snapshot of the recorded Transcribe invocations.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

var _ stt.Provider = (*Provider)(nil)
