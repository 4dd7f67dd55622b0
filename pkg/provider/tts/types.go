package tts

// VoiceProfile describes the voice a call is spoken in.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "alloy").
	ID string

	// Name is the human-readable voice name.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// provider default.
	SpeedFactor float64

	// Instructions is an optional style hint for providers that accept one
	// (e.g. "warm, calm, unhurried").
	Instructions string
}

// Speech is a synthesized utterance.
type Speech struct {
	// PCM holds mono 16-bit little-endian samples.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int
}
