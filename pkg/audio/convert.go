package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// WireEncoder turns synthesized speech into μ-law wire audio. TTS backends
// return little-endian int16 mono PCM at their own rate; the encoder
// resamples it to [WireSampleRate]. It warns once per call about a rate
// mismatch and once about a misaligned buffer. One encoder per call; it is
// not meant to be shared between goroutines.
type WireEncoder struct {
	warnedResample sync.Once
	warnedCorrupt  sync.Once
}

// Encode converts pcm at sampleRate to wire audio. A trailing odd byte is
// dropped.
func (e *WireEncoder) Encode(pcm []byte, sampleRate int) []byte {
	if len(pcm)%2 != 0 {
		e.warnedCorrupt.Do(func() {
			slog.Warn("wire encoder: odd PCM length, dropping last byte", "bytes", len(pcm), "sample_rate", sampleRate)
		})
		pcm = pcm[:len(pcm)-1]
	}
	samples := BytesToSamples(pcm)
	if sampleRate != WireSampleRate {
		e.warnedResample.Do(func() {
			slog.Warn("wire encoder: resampling speech", "from_hz", sampleRate, "to_hz", WireSampleRate)
		})
		samples = Resample(samples, sampleRate, WireSampleRate)
	}
	return Encode(samples)
}

// SamplesToBytes serialises int16 samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples parses little-endian PCM into int16 samples. A trailing odd
// byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Resample converts mono samples from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return the input unchanged.
func Resample(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		next := in[min(j+1, last)]
		out[i] = int16(float64(in[j])*(1-frac) + float64(next)*frac)
	}
	return out
}

// ResampleMono16 is [Resample] over little-endian PCM bytes.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), srcRate, dstRate))
}
