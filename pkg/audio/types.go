package audio

import "time"

// Telephony wire format. Media streams carry 8 kHz mono G.711 μ-law, usually
// in 20 ms frames of 160 bytes.
const (
	// WireSampleRate is the sample rate of every frame on the wire.
	WireSampleRate = 8000

	// WireFrameBytes is the size of one nominal 20 ms wire frame. With μ-law
	// one byte carries one sample.
	WireFrameBytes = 160

	// MaxFrameBytes bounds a single inbound frame. Anything larger is treated
	// as malformed rather than silently analysed as a giant chunk.
	MaxFrameBytes = WireSampleRate
)

// Frame is one chunk of encoded telephony audio as it arrived on the wire.
// Frames are immutable once constructed: the codec and every consumer treat
// Payload as read-only.
type Frame struct {
	// Payload holds μ-law encoded samples, one byte per sample.
	Payload []byte

	// Seq is the transport sequence number. Frames of one connection arrive in
	// non-decreasing Seq order.
	Seq uint64

	// Arrived is the local wall-clock time the frame was read off the wire.
	Arrived time.Time
}

// Duration returns the playback length of the frame at [WireSampleRate].
func (f Frame) Duration() time.Duration {
	return WireDuration(f.Payload)
}

// WireDuration returns how long wire audio takes to play. Wire audio carries
// one byte per sample.
func WireDuration(wire []byte) time.Duration {
	return time.Duration(len(wire)) * time.Second / WireSampleRate
}
