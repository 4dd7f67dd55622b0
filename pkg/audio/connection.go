// Package audio defines the telephony audio primitives used by carecall: the
// wire [Frame], the μ-law codec, PCM helpers and the [Connection] abstraction
// over a live call's media stream.
//
// Transport adapters (e.g. audio/twilio) implement [Connection]. The
// interface is intentionally narrow so the call session stays decoupled from
// any particular carrier's media protocol.
//
// This package lives under pkg/ because external code (third-party carrier
// adapters) is expected to implement [Connection].
package audio

import (
	"context"
	"errors"
)

// ErrConnectionClosed is returned by [Connection] methods invoked after the
// underlying media stream has gone away.
var ErrConnectionClosed = errors.New("audio: connection closed")

// CallInfo carries the carrier identifiers announced when a media stream
// starts. None of the fields are caller content.
type CallInfo struct {
	// StreamID identifies the media stream on the carrier side.
	StreamID string

	// CallID identifies the phone call on the carrier side.
	CallID string

	// Parameters are custom key/value pairs attached to the stream at setup
	// (for example a caller profile identifier).
	Parameters map[string]string
}

// Connection represents one live, bidirectional telephony media stream.
//
// Implementations must be safe for concurrent use. Frames is read by exactly
// one consumer (the call session); Play and Clear may be called from the
// session's turn goroutine while Frames is being consumed.
type Connection interface {
	// ID returns a process-unique identifier for the physical connection.
	// Two calls on the same Connection always return the same value.
	ID() string

	// Info returns the carrier identifiers for this stream.
	Info() CallInfo

	// Frames returns the inbound audio channel. Frames are delivered in
	// arrival order. The channel is closed when the connection drops or the
	// carrier signals the end of the stream.
	Frames() <-chan Frame

	// Play sends μ-law wire audio for playback and blocks until the carrier
	// reports it as played, ctx is cancelled, or the connection closes.
	// Successive Play calls are played strictly in call order.
	Play(ctx context.Context, wire []byte) error

	// Clear discards any audio the carrier has buffered but not yet played.
	Clear(ctx context.Context) error

	// Close tears down the media stream. It is safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}
