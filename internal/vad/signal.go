package vad

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Metrics are the per-chunk signal statistics the filter decides on. They are
// computed fresh for every chunk and never persisted.
type Metrics struct {
	// RMS is the root-mean-square amplitude in int16 sample units.
	RMS float64

	// ZCR is the zero-crossing rate: sign changes per sample pair (0–1).
	ZCR float64

	// Crest is the peak-to-RMS ratio. A pure sine has a crest of √2.
	Crest float64

	// CentroidHz is the magnitude-weighted mean frequency of the chunk.
	CentroidHz float64
}

// rms returns the root-mean-square amplitude and the absolute peak of pcm.
func rms(pcm []int16) (rms, peak float64) {
	if len(pcm) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(pcm))), peak
}

// zeroCrossingRate counts sign changes between adjacent samples. Zero counts
// as positive.
func zeroCrossingRate(pcm []int16) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var crossings int
	prev := pcm[0] >= 0
	for _, s := range pcm[1:] {
		cur := s >= 0
		if cur != prev {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(len(pcm)-1)
}

// spectrum computes magnitude spectra with a cached FFT plan per chunk length.
// Not safe for concurrent use.
type spectrum struct {
	plans map[int]*fourier.FFT
	seq   []float64
	coeff []complex128
}

// centroid returns the magnitude-weighted mean frequency of pcm in Hz. The DC
// bin is excluded. Silent input yields 0.
func (sp *spectrum) centroid(pcm []int16, sampleRate int) float64 {
	n := len(pcm)
	if n < 2 || sampleRate <= 0 {
		return 0
	}
	if sp.plans == nil {
		sp.plans = make(map[int]*fourier.FFT)
	}
	plan, ok := sp.plans[n]
	if !ok {
		plan = fourier.NewFFT(n)
		sp.plans[n] = plan
	}

	if cap(sp.seq) < n {
		sp.seq = make([]float64, n)
	}
	seq := sp.seq[:n]
	for i, s := range pcm {
		seq[i] = float64(s)
	}
	if len(sp.coeff) != n/2+1 {
		sp.coeff = make([]complex128, n/2+1)
	}
	sp.coeff = plan.Coefficients(sp.coeff, seq)

	var weighted, total float64
	for i := 1; i < len(sp.coeff); i++ {
		mag := cmplx.Abs(sp.coeff[i])
		weighted += plan.Freq(i) * float64(sampleRate) * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
