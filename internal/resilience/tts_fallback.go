package resilience

import (
	"context"

	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] over a [FallbackGroup]. Voice IDs are
// provider specific; a fallback receives the same profile and is expected to
// map or ignore an ID it does not know.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend. cfg.Kind is set to "tts".
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	cfg.Kind = "tts"
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Synthesize implements tts.Provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p tts.Provider) (*tts.Speech, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
