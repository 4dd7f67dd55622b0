package vad_test

import (
	"math"
	"testing"

	"github.com/MrWong99/carecall/internal/vad"
)

const (
	rate      = 8000
	chunkSize = 1600 // 200 ms
)

// voiced returns a chunk with a decaying harmonic series on f0, the spectral
// shape of a voiced vowel: six harmonics with 1/k amplitude.
func voiced(n int, f0, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		var v float64
		for k := 1; k <= 6; k++ {
			v += math.Cos(2*math.Pi*float64(k)*f0*float64(i)/rate) / float64(k)
		}
		out[i] = int16(amp * v)
	}
	return out
}

func tone(n int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

// noise returns deterministic uniform noise in [-amp, amp].
func noise(n int, amp float64, seed uint32) []int16 {
	out := make([]int16, n)
	x := seed
	for i := range out {
		x = x*1664525 + 1013904223
		out[i] = int16(amp * (float64(x)/math.MaxUint32*2 - 1))
	}
	return out
}

func newFilter(t *testing.T) *vad.Filter {
	t.Helper()
	f, err := vad.New(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return f
}

func TestFilter_VoicedChunkPassesAllGates(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	res := f.Classify(voiced(chunkSize, 150, 3000), f.NewBaseline())
	if !res.Speech {
		t.Fatalf("Classify() speech = false, failed gates %s, metrics %+v", res.Failed, res.Metrics)
	}
	if res.Failed != 0 {
		t.Errorf("Failed = %s, want none", res.Failed)
	}
}

func TestFilter_RejectsConstantTones(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		freq float64
	}{
		{name: "mains hum", freq: 50},
		{name: "high whine", freq: 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFilter(t)
			res := f.Classify(tone(chunkSize, tt.freq, 8000), f.NewBaseline())
			if res.Speech {
				t.Fatalf("Classify() accepted a %g Hz tone: %+v", tt.freq, res.Metrics)
			}
			if res.Failed&vad.GateEnergy != 0 {
				t.Errorf("tone should clear the energy gate, failed %s", res.Failed)
			}
			if res.Failed&vad.GateZeroCrossing == 0 {
				t.Errorf("tone should fail the zero-crossing gate, failed %s (zcr %.3f)", res.Failed, res.Metrics.ZCR)
			}
		})
	}
}

func TestFilter_QuietVoiceFailsOnlyEnergy(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	res := f.Classify(voiced(chunkSize, 150, 100), f.NewBaseline())
	if res.Failed != vad.GateEnergy {
		t.Errorf("Failed = %s, want energy (metrics %+v)", res.Failed, res.Metrics)
	}
}

func TestFilter_DecisionIsExhaustive(t *testing.T) {
	t.Parallel()

	cfg := vad.DefaultConfig()
	chunks := map[string][]int16{
		"silence":     make([]int16, chunkSize),
		"voiced":      voiced(chunkSize, 150, 3000),
		"voiced-low":  voiced(chunkSize, 120, 1500),
		"voiced-soft": voiced(chunkSize, 150, 200),
		"hum":         tone(chunkSize, 60, 6000),
		"tone-1k":     tone(chunkSize, 1000, 6000),
		"whine":       tone(chunkSize, 3500, 6000),
		"noise":       noise(chunkSize, 4000, 1),
		"noise-soft":  noise(chunkSize, 200, 2),
		"short":       voiced(80, 150, 3000),
	}

	for name, pcm := range chunks {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFilter(t)
			b := f.NewBaseline()
			res := f.Classify(pcm, b)

			var want vad.Gate
			m := res.Metrics
			if m.RMS <= cfg.EnergyFloor || m.RMS <= res.Threshold {
				want |= vad.GateEnergy
			}
			if m.ZCR < cfg.ZCRMin || m.ZCR > cfg.ZCRMax {
				want |= vad.GateZeroCrossing
			}
			if m.Crest < cfg.MinCrest {
				want |= vad.GateDynamicRange
			}
			if m.CentroidHz < cfg.CentroidMinHz || m.CentroidHz > cfg.CentroidMaxHz {
				want |= vad.GateSpectralCentroid
			}

			if res.Failed != want {
				t.Errorf("Failed = %s, want %s (metrics %+v)", res.Failed, want, m)
			}
			if res.Speech != (res.Failed == 0) {
				t.Errorf("Speech = %v with failed gates %s", res.Speech, res.Failed)
			}
		})
	}
}

func TestFilter_EmptyChunk(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	b := f.NewBaseline()
	before := b.Energy()
	res := f.Classify(nil, b)
	if res.Speech || res.Failed != vad.AllGates {
		t.Errorf("Classify(nil) = %+v, want every gate failed", res)
	}
	if b.Energy() != before {
		t.Errorf("baseline moved on empty chunk: %g → %g", before, b.Energy())
	}
}

func TestFilter_Measure(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	m := f.Measure(tone(chunkSize, 1000, 8000))

	if math.Abs(m.ZCR-0.25) > 0.01 {
		t.Errorf("ZCR = %.4f, want ≈0.25", m.ZCR)
	}
	if math.Abs(m.Crest-math.Sqrt2) > 0.01 {
		t.Errorf("Crest = %.4f, want ≈√2", m.Crest)
	}
	if math.Abs(m.CentroidHz-1000) > 5 {
		t.Errorf("CentroidHz = %.1f, want ≈1000", m.CentroidHz)
	}
	if math.Abs(m.RMS-8000/math.Sqrt2) > 5 {
		t.Errorf("RMS = %.1f, want ≈%.1f", m.RMS, 8000/math.Sqrt2)
	}
}

// ─── Ambient baseline ─────────────────────────────────────────────────────────

func TestBaseline_LearnsSteadyNoise(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	b := f.NewBaseline()
	speech := voiced(chunkSize, 150, 3000)

	if res := f.Classify(speech, f.NewBaseline()); !res.Speech {
		t.Fatalf("voiced chunk rejected on a fresh baseline: %s", res.Failed)
	}

	// Two seconds of loud background noise, e.g. a TV in the room.
	for i := range 10 {
		f.Classify(noise(chunkSize, 3000, uint32(i+1)), b)
	}
	if b.Energy() < 1000 {
		t.Fatalf("baseline = %.1f after loud learning window, want > 1000", b.Energy())
	}

	res := f.Classify(speech, b)
	if res.Failed&vad.GateEnergy == 0 {
		t.Errorf("voiced chunk at the noise level cleared the adaptive energy gate (threshold %.1f, rms %.1f)",
			res.Threshold, res.Metrics.RMS)
	}
}

func TestBaseline_SpeechAfterLearningDoesNotDesensitise(t *testing.T) {
	t.Parallel()
	f := newFilter(t)
	b := f.NewBaseline()
	quiet := make([]int16, chunkSize)
	for range 10 {
		f.Classify(quiet, b)
	}
	learned := b.Energy()

	speech := voiced(chunkSize, 150, 3000)
	for i := range 20 {
		if res := f.Classify(speech, b); !res.Speech {
			t.Fatalf("chunk %d rejected: %s", i, res.Failed)
		}
	}
	if b.Energy() != learned {
		t.Errorf("baseline drifted on accepted speech: %g → %g", learned, b.Energy())
	}
}

func TestBaseline_SpeechDuringLearningIsIgnored(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	f := newFilter(t)
	b := f.NewBaseline()

	// The caller starts talking before the learning window is over.
	speech := voiced(chunkSize, 150, 3000)
	for i := range 10 {
		if res := f.Classify(speech, b); !res.Speech {
			t.Fatalf("chunk %d rejected: %s (threshold %.1f)", i, res.Failed, res.Threshold)
		}
	}
	if b.Energy() != cfg.InitialBaseline {
		t.Errorf("baseline = %g after speech in the learning window, want %g", b.Energy(), cfg.InitialBaseline)
	}
}

func TestBaseline_PeriodicUpdateOnRejectedChunks(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	f := newFilter(t)
	b := f.NewBaseline()
	quiet := make([]int16, chunkSize)
	for range 10 {
		f.Classify(quiet, b)
	}
	learned := b.Energy()

	hum := tone(chunkSize, 60, 2000)
	for i := 1; i < cfg.UpdateEvery; i++ {
		f.Classify(hum, b)
		if b.Energy() != learned {
			t.Fatalf("baseline moved after %d rejected chunks, want only every %d", i, cfg.UpdateEvery)
		}
	}
	f.Classify(hum, b)
	if b.Energy() <= learned {
		t.Errorf("baseline = %g after %d rejected chunks, want above %g", b.Energy(), cfg.UpdateEvery, learned)
	}
}

// ─── Config ───────────────────────────────────────────────────────────────────

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := vad.DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*vad.Config)
	}{
		{name: "zero sample rate", mutate: func(c *vad.Config) { c.SampleRate = 0 }},
		{name: "inverted zcr band", mutate: func(c *vad.Config) { c.ZCRMin, c.ZCRMax = 0.5, 0.1 }},
		{name: "centroid above nyquist", mutate: func(c *vad.Config) { c.CentroidMaxHz = 5000 }},
		{name: "zero alpha", mutate: func(c *vad.Config) { c.Alpha = 0 }},
		{name: "negative floor", mutate: func(c *vad.Config) { c.EnergyFloor = -1 }},
		{name: "negative update interval", mutate: func(c *vad.Config) { c.UpdateEvery = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := vad.DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() returned nil, want error")
			}
			if _, err := vad.New(cfg); err == nil {
				t.Error("New() returned nil error for invalid config")
			}
		})
	}
}

func TestGate_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		gate vad.Gate
		want string
	}{
		{0, "none"},
		{vad.GateEnergy, "energy"},
		{vad.GateZeroCrossing | vad.GateSpectralCentroid, "zcr|centroid"},
		{vad.AllGates, "energy|zcr|crest|centroid"},
	}
	for _, tt := range tests {
		if got := tt.gate.String(); got != tt.want {
			t.Errorf("Gate(%d).String() = %q, want %q", tt.gate, got, tt.want)
		}
	}
}
