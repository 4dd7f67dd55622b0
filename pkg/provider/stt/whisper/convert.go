package whisper

import (
	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/stt"
)

// minModelSamples is one second at the model rate. whisper.cpp refuses
// shorter input, and a caller's "yes" or "no" is often well below that.
const minModelSamples = modelSampleRate

// toModelRate returns the utterance as 16 kHz PCM.
func toModelRate(a stt.Audio) []byte {
	if a.SampleRate <= 0 || a.SampleRate == modelSampleRate {
		return a.PCM
	}
	return audio.ResampleMono16(a.PCM, a.SampleRate, modelSampleRate)
}

// modelSamples converts the utterance to the float input the native model
// takes: 16 kHz, scaled to [-1, 1), padded with trailing silence to at least
// one second.
func modelSamples(a stt.Audio) []float32 {
	pcm := audio.BytesToSamples(toModelRate(a))
	out := make([]float32, max(len(pcm), minModelSamples))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}
