package stt

import "time"

// Audio is one utterance of mono 16-bit little-endian PCM.
type Audio struct {
	// PCM holds the samples.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Language is an optional BCP-47 hint (e.g. "en-US"). Empty lets the
	// provider use its configured default.
	Language string
}

// Duration returns the playback length of the audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)/2) * time.Second / time.Duration(a.SampleRate)
}

// Transcript is the recognition result for one utterance.
type Transcript struct {
	// Text is the transcribed speech. May be empty.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or configured language, if reported.
	Language string
}
