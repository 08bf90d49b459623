package dsp

import (
	"fmt"
	"math"
)

// FilterType selects the biquad response.
type FilterType int

const (
	Lowpass FilterType = iota + 1
	Highpass
	Peaking
)

// String returns the string representation of the filter type.
func (t FilterType) String() string {
	switch t {
	case Lowpass:
		return "lowpass"
	case Highpass:
		return "highpass"
	case Peaking:
		return "peaking"
	default:
		return "unknown"
	}
}

// BiquadParams are the parameters of a biquad filter.
type BiquadParams struct {
	Type      FilterType
	Frequency float64 // Hz
	Q         float64
	GainDB    float64 // Peaking only
}

// Biquad is a second-order IIR filter using the Audio EQ Cookbook
// coefficients.
type Biquad struct {
	node
	params BiquadParams

	b0, b1, b2, a1, a2 float64
	state              [2]biquadState
}

type biquadState struct {
	x1, x2, y1, y2 float64
}

// NewBiquad creates a biquad filter.
func (c *Context) NewBiquad(p BiquadParams) (*Biquad, error) {
	b := &Biquad{}
	if err := b.setParams(p, c.sampleRate); err != nil {
		return nil, err
	}
	b.node = node{ctx: c, kind: KindBiquad, proc: b}
	if err := c.add(&b.node); err != nil {
		return nil, err
	}
	return b, nil
}

// Params returns the current parameters.
func (b *Biquad) Params() BiquadParams {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.params
}

// SetParams updates the filter; the change applies from the next quantum.
func (b *Biquad) SetParams(p BiquadParams) error {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.setParams(p, b.ctx.sampleRate)
}

func (b *Biquad) setParams(p BiquadParams, sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	if p.Frequency <= 0 || p.Frequency >= nyquist {
		return fmt.Errorf("dsp: biquad frequency %v outside (0, %v)", p.Frequency, nyquist)
	}
	if p.Q <= 0 {
		return fmt.Errorf("dsp: biquad Q must be positive, got %v", p.Q)
	}

	w0 := 2 * math.Pi * p.Frequency / float64(sampleRate)
	cos, sin := math.Cos(w0), math.Sin(w0)
	alpha := sin / (2 * p.Q)

	var b0, b1, b2, a0, a1, a2 float64
	switch p.Type {
	case Lowpass:
		b0, b1, b2 = (1-cos)/2, 1-cos, (1-cos)/2
		a0, a1, a2 = 1+alpha, -2*cos, 1-alpha
	case Highpass:
		b0, b1, b2 = (1+cos)/2, -(1 + cos), (1+cos)/2
		a0, a1, a2 = 1+alpha, -2*cos, 1-alpha
	case Peaking:
		A := math.Pow(10, p.GainDB/40)
		b0, b1, b2 = 1+alpha*A, -2*cos, 1-alpha*A
		a0, a1, a2 = 1+alpha/A, -2*cos, 1-alpha/A
	default:
		return fmt.Errorf("dsp: unknown filter type %d", p.Type)
	}
	b.params = p
	b.b0, b.b1, b.b2 = b0/a0, b1/a0, b2/a0
	b.a1, b.a2 = a1/a0, a2/a0
	return nil
}

func (b *Biquad) process(in, out *bus) {
	out.channels = in.channels
	for ch := 0; ch < in.channels; ch++ {
		s := &b.state[ch]
		for i, v := range in.data[ch] {
			x := float64(v)
			y := b.b0*x + b.b1*s.x1 + b.b2*s.x2 - b.a1*s.y1 - b.a2*s.y2
			s.x2, s.x1 = s.x1, x
			s.y2, s.y1 = s.y1, y
			out.data[ch][i] = float32(y)
		}
	}
}
