// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g. the OpenAI transcription
// API, a whisper.cpp server, in-process whisper.cpp, or Deepgram) and turns
// one complete caller utterance into text. The voice activity filter and turn
// accumulator already decided where the utterance starts and ends, so the
// contract is batch, not streaming.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts audio to text. An inaudible utterance may yield an
	// empty Transcript.Text with a nil error.
	//
	// Returns an error if the backend fails or ctx is cancelled.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}
