// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g. OpenAI speech,
// ElevenLabs) and returns the complete utterance as linear PCM. Turns on a
// phone call are short, so a whole-utterance contract keeps cancellation and
// ordering simple: a reply is either fully synthesized or discarded.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns mono 16-bit
	// little-endian PCM together with its sample rate.
	//
	// Returns an error if synthesis fails or ctx is cancelled; partial audio
	// is never returned alongside an error.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Speech, error)
}
