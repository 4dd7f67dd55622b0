package audio

import (
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// ErrMalformedFrame is returned by [Decode] for frames that cannot be
// interpreted as wire audio. Callers drop such frames; they are never fatal to
// a call.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// Decode expands a μ-law wire frame into linear 16-bit PCM samples. The
// returned slice is freshly allocated; f is never modified.
//
// One wire byte yields exactly one sample, so frame boundaries are preserved.
func Decode(f Frame) ([]int16, error) {
	switch n := len(f.Payload); {
	case n == 0:
		return nil, fmt.Errorf("%w: empty payload (seq %d)", ErrMalformedFrame, f.Seq)
	case n > MaxFrameBytes:
		return nil, fmt.Errorf("%w: %d bytes exceeds %d (seq %d)", ErrMalformedFrame, n, MaxFrameBytes, f.Seq)
	}
	return DecodeMuLaw(f.Payload), nil
}

// DecodeMuLaw expands μ-law bytes into linear PCM without any validation.
func DecodeMuLaw(wire []byte) []int16 {
	out := make([]int16, len(wire))
	for i, b := range wire {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// Encode compresses linear PCM samples into μ-law wire bytes. The output has
// exactly one byte per input sample. Decoding the result of Encode yields the
// input again whenever the input lies on the μ-law quantisation grid (for
// example, any output of [DecodeMuLaw]).
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// Split cuts wire audio into frames of at most size bytes, in order. The last
// frame may be shorter. The returned frames share wire's backing array.
func Split(wire []byte, size int) [][]byte {
	if size <= 0 {
		size = WireFrameBytes
	}
	frames := make([][]byte, 0, (len(wire)+size-1)/size)
	for start := 0; start < len(wire); start += size {
		end := min(start+size, len(wire))
		frames = append(frames, wire[start:end:end])
	}
	return frames
}
