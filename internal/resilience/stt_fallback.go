package resilience

import (
	"context"

	"github.com/MrWong99/carecall/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] over a [FallbackGroup].
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. cfg.Kind is set to "stt".
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	cfg.Kind = "stt"
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe implements stt.Provider.
func (f *STTFallback) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, a)
	})
}
