package app

import (
	"context"

	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// voiceOverride pins the voice ID for one TTS backend. Voice IDs are
// provider-specific, so a fallback backend cannot reuse the primary's.
type voiceOverride struct {
	tts.Provider
	id string
}

// WithVoiceID wraps p so every request uses voice id id. The remaining voice
// settings pass through. An empty id returns p unchanged.
func WithVoiceID(p tts.Provider, id string) tts.Provider {
	if id == "" {
		return p
	}
	return &voiceOverride{Provider: p, id: id}
}

// Synthesize implements tts.Provider.
func (v *voiceOverride) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	voice.ID = v.id
	return v.Provider.Synthesize(ctx, text, voice)
}
