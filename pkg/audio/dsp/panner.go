package dsp

import "math"

// Vec3 is a position in listener space: +X right, +Y up, -Z ahead.
type Vec3 struct {
	X, Y, Z float64
}

// Len returns the distance from the origin.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Panner places a mono input in 3D space around a listener fixed at the
// origin facing -Z. It uses equal-power panning and the inverse distance
// model with a reference distance of 1.
type Panner struct {
	node
	pos Vec3

	gainL, gainR float64
}

// NewPanner creates a panner at the origin.
func (c *Context) NewPanner() (*Panner, error) {
	p := &Panner{}
	p.updateGains()
	p.node = node{ctx: c, kind: KindPanner, proc: p}
	if err := c.add(&p.node); err != nil {
		return nil, err
	}
	return p, nil
}

// Position returns the current position.
func (p *Panner) Position() Vec3 {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	return p.pos
}

// SetPosition moves the source; the change applies from the next quantum.
func (p *Panner) SetPosition(v Vec3) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.pos = v
	p.updateGains()
}

// Gains returns the current left and right channel gains.
func (p *Panner) Gains() (left, right float64) {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	return p.gainL, p.gainR
}

func (p *Panner) updateGains() {
	azimuth := 0.0
	if p.pos.X != 0 || p.pos.Z != 0 {
		azimuth = math.Atan2(p.pos.X, -p.pos.Z) * 180 / math.Pi
	}
	// Sources behind the listener pan like their mirror image in front.
	switch {
	case azimuth > 90:
		azimuth = 180 - azimuth
	case azimuth < -90:
		azimuth = -180 - azimuth
	}
	x := (azimuth + 90) / 180
	dist := distanceGain(p.pos.Len())
	p.gainL = math.Cos(x*math.Pi/2) * dist
	p.gainR = math.Sin(x*math.Pi/2) * dist
}

// distanceGain implements the inverse model with refDistance 1 and
// rolloffFactor 1.
func distanceGain(d float64) float64 {
	const ref = 1.0
	return ref / (ref + max(d, ref) - ref)
}

func (p *Panner) process(in, out *bus) {
	var mono [Quantum]float32
	in.mono(&mono)
	out.channels = 2
	l, r := float32(p.gainL), float32(p.gainR)
	for i, v := range mono {
		out.data[0][i] = v * l
		out.data[1][i] = v * r
	}
}
