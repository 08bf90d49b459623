package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// Analyser passes audio through unchanged while keeping the most recent
// fftSize samples for time-domain and frequency-domain reads.
type Analyser struct {
	node
	fftSize   int
	smoothing float64

	hist []float32 // ring of the last fftSize mono samples
	pos  int
	mono [Quantum]float32

	fft      *fourier.FFT
	win      []float64
	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser. fftSize must be a power of two in
// [32, 32768]; smoothing is the time constant in [0, 1] applied between
// successive frequency reads.
func (c *Context) NewAnalyser(fftSize int, smoothing float64) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("dsp: invalid fft size %d", fftSize)
	}
	if smoothing < 0 || smoothing > 1 || math.IsNaN(smoothing) {
		return nil, fmt.Errorf("dsp: invalid smoothing %v", smoothing)
	}
	win := make([]float64, fftSize)
	for i := range win {
		win[i] = 1
	}
	a := &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		hist:      make([]float32, fftSize),
		fft:       fourier.NewFFT(fftSize),
		win:       window.Blackman(win),
		seq:       make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
	}
	a.node = node{ctx: c, kind: KindAnalyser, proc: a}
	if err := c.add(&a.node); err != nil {
		return nil, err
	}
	return a, nil
}

// FFTSize returns the analysis window length.
func (a *Analyser) FFTSize() int { return a.fftSize }

// FrequencyBinCount returns fftSize/2.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Smoothing returns the smoothing time constant.
func (a *Analyser) Smoothing() float64 { return a.smoothing }

func (a *Analyser) process(in, out *bus) {
	out.copyFrom(in)
	in.mono(&a.mono)
	for _, v := range a.mono {
		a.hist[a.pos] = v
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// recent copies the last fftSize samples, oldest first, into dst.
func (a *Analyser) recent(dst []float64) {
	for i := range dst {
		dst[i] = float64(a.hist[(a.pos+i)%a.fftSize])
	}
}

// ByteTimeDomainData writes the current waveform as unsigned bytes where
// 128 is silence, 0 is -1 and 255 is +1. It writes min(len(dst), fftSize)
// values and returns the count.
func (a *Analyser) ByteTimeDomainData(dst []byte) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	n := min(len(dst), a.fftSize)
	for i := 0; i < n; i++ {
		v := 128 * (1 + float64(a.hist[(a.pos+i)%a.fftSize]))
		dst[i] = byte(max(0, min(255, v)))
	}
	return n
}

// FloatTimeDomainData writes the current waveform samples.
func (a *Analyser) FloatTimeDomainData(dst []float32) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	n := min(len(dst), a.fftSize)
	for i := 0; i < n; i++ {
		dst[i] = a.hist[(a.pos+i)%a.fftSize]
	}
	return n
}

// FloatFrequencyData writes the smoothed magnitude spectrum in decibels for
// min(len(dst), FrequencyBinCount()) bins. Bins with no energy are -Inf.
// Each call advances the smoothing state.
func (a *Analyser) FloatFrequencyData(dst []float32) int {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()

	a.recent(a.seq)
	floats.Mul(a.seq, a.win)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	scale := 1 / float64(a.fftSize)
	tau := a.smoothing
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) * scale
		s := tau*a.smoothed[k] + (1-tau)*mag
		if math.IsNaN(s) || math.IsInf(s, 0) {
			s = 0
		}
		a.smoothed[k] = s
	}

	n := min(len(dst), len(a.smoothed))
	for k := 0; k < n; k++ {
		dst[k] = float32(20 * math.Log10(a.smoothed[k]))
	}
	return n
}
