package whisper

import (
	"math"
	"testing"

	"github.com/MrWong99/carecall/pkg/audio"
	"github.com/MrWong99/carecall/pkg/provider/stt"
)

func TestModelSamples_Scaling(t *testing.T) {
	t.Parallel()
	in := []int16{0, 16384, -16384, 32767, -32768}
	pcm := audio.SamplesToBytes(append(in, make([]int16, minModelSamples)...))

	out := modelSamples(stt.Audio{PCM: pcm, SampleRate: modelSampleRate})
	for i, v := range in {
		want := float64(v) / 32768
		if math.Abs(float64(out[i])-want) > 1e-6 {
			t.Errorf("sample %d = %f, want %f", i, out[i], want)
		}
	}
	if out[len(in)-1] != -1 {
		t.Errorf("full-scale negative = %f, want -1", out[len(in)-1])
	}
}

func TestModelSamples_PadsShortReplies(t *testing.T) {
	t.Parallel()
	// 300 ms of "yes" at the telephony rate.
	yes := make([]int16, 2400)
	for i := range yes {
		yes[i] = 8000
	}
	out := modelSamples(stt.Audio{PCM: audio.SamplesToBytes(yes), SampleRate: 8000})

	if len(out) != minModelSamples {
		t.Fatalf("len = %d, want %d", len(out), minModelSamples)
	}
	// Upsampled speech fills the first 300 ms, silence the rest.
	if out[100] == 0 {
		t.Error("speech missing from the start of the buffer")
	}
	for i := 4800; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %f, want padding", i, out[i])
		}
	}
}

func TestModelSamples_LongUtteranceUnpadded(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 2*3*modelSampleRate) // 3 s
	if got := len(modelSamples(stt.Audio{PCM: pcm, SampleRate: modelSampleRate})); got != 3*modelSampleRate {
		t.Errorf("len = %d, want %d", got, 3*modelSampleRate)
	}
}

func TestToModelRate(t *testing.T) {
	t.Parallel()
	pcm := audio.SamplesToBytes(make([]int16, 800)) // 100 ms at 8 kHz
	tests := []struct {
		name string
		rate int
		want int
	}{
		{"telephony", 8000, 3200},
		{"already 16k", 16000, 1600},
		{"unknown rate", 0, 1600},
	}
	for _, tc := range tests {
		if got := len(toModelRate(stt.Audio{PCM: pcm, SampleRate: tc.rate})); got != tc.want {
			t.Errorf("%s: %d bytes, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{" I feel fine today. ", "I feel fine today."},
		{"[BLANK_AUDIO]", ""},
		{"(wind blowing) hello  there", "hello there"},
		{"[Music] [BLANK_AUDIO]\n", ""},
	}
	for _, tc := range tests {
		if got := cleanText(tc.in); got != tc.want {
			t.Errorf("cleanText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
