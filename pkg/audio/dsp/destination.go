package dsp

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// Destination is the context's stereo output. It mixes every input and
// keeps the last rendered quantum.
type Destination struct {
	node
	frames int64
	peak   float32
}

func newDestination(c *Context) *Destination {
	d := &Destination{}
	d.node = node{ctx: c, kind: KindDestination, proc: d}
	c.nodes = append(c.nodes, &d.node)
	return d
}

// Frames returns the number of frames rendered so far.
func (d *Destination) Frames() int64 {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	return d.frames
}

// Last copies the most recent quantum into left and right and returns the
// number of frames copied.
func (d *Destination) Last(left, right []float32) int {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	n := copy(left, d.out.data[0][:])
	copy(right, d.out.data[1][:])
	return n
}

// Peak returns the largest absolute sample value of the most recent
// quantum.
func (d *Destination) Peak() float32 {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	return d.peak
}

func (d *Destination) process(in, out *bus) {
	out.clear(2)
	out.mix(in)
	d.frames += Quantum
	d.peak = 0
	for ch := range out.data {
		for _, v := range out.data[ch] {
			if v < 0 {
				v = -v
			}
			d.peak = max(d.peak, v)
		}
	}
}

// StreamDestination hands processed audio to a pcm.Transmitter, converted
// to mono at the transmitter's sample rate.
type StreamDestination struct {
	node
	tx pcm.Transmitter
	rs resampling.Resampler

	mono  [Quantum]float32
	rsIn  []float64
	block []float32
}

// NewStreamDestination creates a sink node feeding tx.
func (c *Context) NewStreamDestination(tx pcm.Transmitter) (*StreamDestination, error) {
	if tx == nil {
		return nil, fmt.Errorf("dsp: nil transmitter")
	}
	rs, err := newResampler(c.sampleRate, tx.TransmitFormat().SampleRate())
	if err != nil {
		return nil, err
	}
	sd := &StreamDestination{tx: tx, rs: rs, rsIn: make([]float64, Quantum)}
	sd.node = node{ctx: c, kind: KindStreamDestination, proc: sd}
	if err := c.add(&sd.node); err != nil {
		return nil, err
	}
	return sd, nil
}

func (sd *StreamDestination) process(in, out *bus) {
	out.copyFrom(in)
	in.mono(&sd.mono)
	if sd.rs == nil {
		sd.tx.Transmit(sd.mono[:])
		return
	}
	for i, v := range sd.mono {
		sd.rsIn[i] = float64(v)
	}
	res, err := sd.rs.Process(sd.rsIn)
	if err != nil {
		sd.ctx.logger.Error("dsp: resample transmit failed", "error", err)
		return
	}
	if len(res) == 0 {
		return
	}
	sd.block = sd.block[:0]
	for _, v := range res {
		sd.block = append(sd.block, float32(v))
	}
	sd.tx.Transmit(sd.block)
}
