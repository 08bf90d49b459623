package dsp

import "math"

// envelope is a one-pole peak follower with separate attack and release.
type envelope struct {
	attack, release float64
	level           float64
}

func newEnvelope(sampleRate int, attack, release float64) envelope {
	coef := func(sec float64) float64 {
		return math.Exp(-1 / (sec * float64(sampleRate)))
	}
	return envelope{attack: coef(attack), release: coef(release)}
}

func (e *envelope) next(x float64) float64 {
	x = math.Abs(x)
	c := e.release
	if x > e.level {
		c = e.attack
	}
	e.level = c*e.level + (1-c)*x
	return e.level
}

// NoiseSuppressor is a downward gate: while the input envelope stays under
// the threshold the signal is attenuated to the floor gain.
type NoiseSuppressor struct {
	node
	threshold float64
	floor     float64

	env   [2]envelope
	gain  [2]float64
	glide float64
}

const (
	noiseThresholdDB = -45.0
	noiseFloorDB     = -24.0
)

// NewNoiseSuppressor creates a noise suppressor. It returns ErrUnsupported
// when the runtime lacks the node kind.
func (c *Context) NewNoiseSuppressor() (*NoiseSuppressor, error) {
	if !c.caps.NoiseSuppressor {
		return nil, ErrUnsupported
	}
	ns := &NoiseSuppressor{
		threshold: dbToLinear(noiseThresholdDB),
		floor:     dbToLinear(noiseFloorDB),
		glide:     1 - math.Exp(-1/(0.005*float64(c.sampleRate))),
	}
	for ch := range ns.env {
		ns.env[ch] = newEnvelope(c.sampleRate, 0.002, 0.15)
		ns.gain[ch] = 1
	}
	ns.node = node{ctx: c, kind: KindNoiseSuppressor, proc: ns}
	if err := c.add(&ns.node); err != nil {
		return nil, err
	}
	return ns, nil
}

func (ns *NoiseSuppressor) process(in, out *bus) {
	out.channels = in.channels
	for ch := 0; ch < in.channels; ch++ {
		env, g := &ns.env[ch], ns.gain[ch]
		for i, v := range in.data[ch] {
			target := 1.0
			if env.next(float64(v)) < ns.threshold {
				target = ns.floor
			}
			g += (target - g) * ns.glide
			out.data[ch][i] = v * float32(g)
		}
		ns.gain[ch] = g
	}
}

// VoiceEnhancer is a feed-forward compressor with makeup gain that evens out
// speech level.
type VoiceEnhancer struct {
	node
	thresholdDB float64
	ratio       float64
	makeup      float64

	env [2]envelope
}

const (
	enhancerThresholdDB = -24.0
	enhancerRatio       = 4.0
	enhancerMakeupDB    = 6.0
)

// NewVoiceEnhancer creates a voice enhancer. It returns ErrUnsupported when
// the runtime lacks the node kind.
func (c *Context) NewVoiceEnhancer() (*VoiceEnhancer, error) {
	if !c.caps.VoiceEnhancer {
		return nil, ErrUnsupported
	}
	ve := &VoiceEnhancer{
		thresholdDB: enhancerThresholdDB,
		ratio:       enhancerRatio,
		makeup:      dbToLinear(enhancerMakeupDB),
	}
	for ch := range ve.env {
		ve.env[ch] = newEnvelope(c.sampleRate, 0.003, 0.25)
	}
	ve.node = node{ctx: c, kind: KindVoiceEnhancer, proc: ve}
	if err := c.add(&ve.node); err != nil {
		return nil, err
	}
	return ve, nil
}

func (ve *VoiceEnhancer) process(in, out *bus) {
	out.channels = in.channels
	for ch := 0; ch < in.channels; ch++ {
		env := &ve.env[ch]
		for i, v := range in.data[ch] {
			level := env.next(float64(v))
			gain := ve.makeup
			if level > 0 {
				if over := linearToDB(level) - ve.thresholdDB; over > 0 {
					gain *= dbToLinear(-over * (1 - 1/ve.ratio))
				}
			}
			y := float64(v) * gain
			out.data[ch][i] = float32(max(-1, min(1, y)))
		}
	}
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func linearToDB(v float64) float64 {
	return 20 * math.Log10(v)
}
