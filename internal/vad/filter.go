// Package vad implements the voice activity filter that decides, per audio
// chunk, whether a telephone caller is genuinely speaking.
//
// A chunk counts as speech only when four independent gates all pass:
//
//   - Energy: RMS above a fixed floor and above the session's ambient
//     baseline times a multiplier.
//   - Zero-crossing: crossing rate inside the voiced-speech band.
//   - Dynamic range: peak-to-RMS ratio at or above a minimum.
//   - Spectral centroid: mean frequency inside the human-voice band.
//
// Each gate on its own is fooled by common call environments (a TV passes an
// energy gate, a steady hum passes a centroid gate); the conjunction is not.
//
// The ambient baseline is owned by the call session and passed in on every
// call; only [Filter.Classify] mutates it.
package vad

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the filter's tuning. It is a value object: the filter copies it
// at construction and never changes it afterwards.
type Config struct {
	// SampleRate of the PCM passed to Classify. Default: 8000.
	SampleRate int

	// EnergyFloor is the absolute RMS (int16 units) a chunk must exceed.
	EnergyFloor float64

	// BaselineMultiplier scales the ambient baseline into the adaptive
	// energy threshold.
	BaselineMultiplier float64

	// ZCRMin and ZCRMax bound the accepted zero-crossing rate.
	ZCRMin, ZCRMax float64

	// MinCrest is the minimum peak-to-RMS ratio.
	MinCrest float64

	// CentroidMinHz and CentroidMaxHz bound the accepted spectral centroid.
	CentroidMinHz, CentroidMaxHz float64

	// InitialBaseline seeds the ambient baseline of a new session.
	InitialBaseline float64

	// LearningWindow is the span of audio at session start during which
	// every chunk refines the baseline.
	LearningWindow time.Duration

	// Alpha is the exponential smoothing factor (0 < Alpha <= 1) applied
	// when the baseline moves toward a chunk's energy.
	Alpha float64

	// UpdateEvery makes every Nth rejected chunk after the learning window
	// refine the baseline. Zero disables post-learning updates.
	UpdateEvery int
}

// DefaultConfig returns thresholds tuned for 8 kHz telephony audio. They are
// empirical starting points and expected to be retuned per deployment.
func DefaultConfig() Config {
	return Config{
		SampleRate:         8000,
		EnergyFloor:        300,
		BaselineMultiplier: 2.5,
		ZCRMin:             0.02,
		ZCRMax:             0.30,
		MinCrest:           2.5,
		CentroidMinHz:      200,
		CentroidMaxHz:      3400,
		InitialBaseline:    100,
		LearningWindow:     2 * time.Second,
		Alpha:              0.1,
		UpdateEvery:        5,
	}
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.EnergyFloor < 0 {
		errs = append(errs, fmt.Errorf("vad: energy floor must not be negative, got %g", c.EnergyFloor))
	}
	if c.BaselineMultiplier < 0 {
		errs = append(errs, fmt.Errorf("vad: baseline multiplier must not be negative, got %g", c.BaselineMultiplier))
	}
	if c.ZCRMin < 0 || c.ZCRMax > 1 || c.ZCRMin >= c.ZCRMax {
		errs = append(errs, fmt.Errorf("vad: zero-crossing band [%g, %g] is invalid", c.ZCRMin, c.ZCRMax))
	}
	if c.MinCrest < 0 {
		errs = append(errs, fmt.Errorf("vad: min crest must not be negative, got %g", c.MinCrest))
	}
	if c.CentroidMinHz < 0 || c.CentroidMinHz >= c.CentroidMaxHz {
		errs = append(errs, fmt.Errorf("vad: centroid band [%g, %g] is invalid", c.CentroidMinHz, c.CentroidMaxHz))
	}
	if c.SampleRate > 0 && c.CentroidMaxHz > float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("vad: centroid max %g Hz exceeds Nyquist for %d Hz", c.CentroidMaxHz, c.SampleRate))
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		errs = append(errs, fmt.Errorf("vad: alpha must be in (0, 1], got %g", c.Alpha))
	}
	if c.UpdateEvery < 0 {
		errs = append(errs, fmt.Errorf("vad: update interval must not be negative, got %d", c.UpdateEvery))
	}
	return errors.Join(errs...)
}

// ─── Gates ────────────────────────────────────────────────────────────────────

// Gate identifies one of the four checks. Gates combine as a bit set.
type Gate uint8

const (
	GateEnergy Gate = 1 << iota
	GateZeroCrossing
	GateDynamicRange
	GateSpectralCentroid
)

// AllGates is the set of every gate.
const AllGates = GateEnergy | GateZeroCrossing | GateDynamicRange | GateSpectralCentroid

// String lists the gates in the set, e.g. "energy|zcr".
func (g Gate) String() string {
	if g == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		gate Gate
		name string
	}{
		{GateEnergy, "energy"},
		{GateZeroCrossing, "zcr"},
		{GateDynamicRange, "crest"},
		{GateSpectralCentroid, "centroid"},
	} {
		if g&n.gate != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Result is the outcome of classifying one chunk.
type Result struct {
	// Speech is true exactly when Failed is empty.
	Speech bool

	// Failed is the set of gates that rejected the chunk.
	Failed Gate

	// Metrics are the statistics the decision was based on.
	Metrics Metrics

	// Threshold is the adaptive energy threshold in effect for this chunk.
	Threshold float64
}

// ─── Baseline ─────────────────────────────────────────────────────────────────

// Baseline is a session's running estimate of background noise energy.
// The zero value is not usable; obtain one from [Filter.NewBaseline].
type Baseline struct {
	energy   float64
	observed time.Duration
	rejected int
}

// Energy returns the current baseline RMS.
func (b *Baseline) Energy() float64 { return b.energy }

// learning reports whether the baseline is still inside its learning window.
func (b *Baseline) learning(window time.Duration) bool { return b.observed < window }

func (b *Baseline) smooth(toward, alpha float64) {
	b.energy += alpha * (toward - b.energy)
}

// ─── Filter ───────────────────────────────────────────────────────────────────

// Classifier decides whether a PCM chunk is caller speech. [Filter] is the
// production implementation; call sessions accept the interface so tests can
// script decisions.
type Classifier interface {
	Classify(pcm []int16, b *Baseline) Result
	NewBaseline() *Baseline
}

// Filter is the four-gate voice activity filter. It keeps a cached FFT plan
// and is therefore not safe for concurrent use; create one per call session.
type Filter struct {
	cfg Config
	fft spectrum
}

var _ Classifier = (*Filter)(nil)

// New returns a filter using cfg. It fails if cfg does not validate.
func New(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Filter{cfg: cfg}, nil
}

// Config returns the filter's configuration.
func (f *Filter) Config() Config { return f.cfg }

// NewBaseline returns a baseline seeded with the configured initial energy.
func (f *Filter) NewBaseline() *Baseline {
	return &Baseline{energy: f.cfg.InitialBaseline}
}

// Measure computes the signal metrics for pcm without deciding anything.
func (f *Filter) Measure(pcm []int16) Metrics {
	r, peak := rms(pcm)
	m := Metrics{
		RMS:        r,
		ZCR:        zeroCrossingRate(pcm),
		CentroidHz: f.fft.centroid(pcm, f.cfg.SampleRate),
	}
	if r > 0 {
		m.Crest = peak / r
	}
	return m
}

// Classify runs all four gates on pcm against baseline b and then updates b
// from rejected chunks only: every one of them during the learning window,
// every UpdateEvery-th after it. Accepted speech never moves b. An empty chunk
// fails every gate and leaves b alone.
func (f *Filter) Classify(pcm []int16, b *Baseline) Result {
	if len(pcm) == 0 {
		return Result{Failed: AllGates}
	}

	m := f.Measure(pcm)
	threshold := b.energy * f.cfg.BaselineMultiplier

	var failed Gate
	if m.RMS <= f.cfg.EnergyFloor || m.RMS <= threshold {
		failed |= GateEnergy
	}
	if m.ZCR < f.cfg.ZCRMin || m.ZCR > f.cfg.ZCRMax {
		failed |= GateZeroCrossing
	}
	if m.Crest < f.cfg.MinCrest {
		failed |= GateDynamicRange
	}
	if m.CentroidHz < f.cfg.CentroidMinHz || m.CentroidHz > f.cfg.CentroidMaxHz {
		failed |= GateSpectralCentroid
	}

	res := Result{
		Speech:    failed == 0,
		Failed:    failed,
		Metrics:   m,
		Threshold: threshold,
	}
	f.updateBaseline(b, len(pcm), res.Speech, m.RMS)
	return res
}

func (f *Filter) updateBaseline(b *Baseline, samples int, speech bool, energy float64) {
	learning := b.learning(f.cfg.LearningWindow)
	b.observed += time.Duration(samples) * time.Second / time.Duration(f.cfg.SampleRate)

	switch {
	case speech:
	case learning:
		b.smooth(energy, f.cfg.Alpha)
	case f.cfg.UpdateEvery > 0:
		b.rejected++
		if b.rejected%f.cfg.UpdateEvery == 0 {
			b.smooth(energy, f.cfg.Alpha)
		}
	}
}
