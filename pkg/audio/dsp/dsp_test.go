package dsp

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// sineStream is an endless pcm.Stream producing a sine wave.
type sineStream struct {
	id     string
	format pcm.Format
	freq   float64
	amp    float64
	n      int
}

func (s *sineStream) ID() string         { return s.id }
func (s *sineStream) Format() pcm.Format { return s.format }

func (s *sineStream) Pull(dst []float32) int {
	rate := float64(s.format.SampleRate())
	for i := range dst {
		dst[i] = float32(s.amp * math.Sin(2*math.Pi*s.freq*float64(s.n)/rate))
		s.n++
	}
	return len(dst)
}

// collector is a pcm.Transmitter recording everything it is given.
type collector struct {
	format  pcm.Format
	samples []float32
}

func (c *collector) TransmitFormat() pcm.Format { return c.format }
func (c *collector) Transmit(s []float32)      { c.samples = append(c.samples, s...) }

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func renderN(c *Context, n int) {
	for i := 0; i < n; i++ {
		c.Render()
	}
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestAnalyserDominantBin(t *testing.T) {
	c := newTestContext(t)
	src, err := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 1000, amp: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	an, err := c.NewAnalyser(2048, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Connect(an); err != nil {
		t.Fatal(err)
	}
	renderN(c, 32)

	freq := make([]float32, an.FrequencyBinCount())
	if n := an.FloatFrequencyData(freq); n != 1024 {
		t.Fatalf("FloatFrequencyData n = %d", n)
	}
	// 1000 Hz * 2048 / 48000 = 42.7
	if got := argmax(freq); got < 42 || got > 43 {
		t.Fatalf("dominant bin = %d, want 42 or 43", got)
	}

	td := make([]byte, 2048)
	an.ByteTimeDomainData(td)
	lo, hi := byte(255), byte(0)
	for _, v := range td {
		lo, hi = min(lo, v), max(hi, v)
	}
	// amplitude 0.5 maps to roughly 64..192
	if lo > 70 || lo < 58 || hi < 186 || hi > 194 {
		t.Fatalf("time domain range = [%d, %d]", lo, hi)
	}
}

func TestAnalyserSilence(t *testing.T) {
	c := newTestContext(t)
	src, err := c.NewStreamSource(pcm.NewLiveStream("quiet", pcm.L16Mono48K, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	an, err := c.NewAnalyser(2048, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Connect(an); err != nil {
		t.Fatal(err)
	}
	renderN(c, 20)

	td := make([]byte, 2048)
	an.ByteTimeDomainData(td)
	for i, v := range td {
		if v != 128 {
			t.Fatalf("td[%d] = %d, want 128", i, v)
		}
	}
	freq := make([]float32, 1024)
	an.FloatFrequencyData(freq)
	for i, v := range freq {
		if !math.IsInf(float64(v), -1) {
			t.Fatalf("freq[%d] = %v, want -Inf", i, v)
		}
	}
	if src.Starved() != 20 {
		t.Fatalf("Starved = %d, want 20", src.Starved())
	}
}

func TestAnalyserValidation(t *testing.T) {
	c := newTestContext(t)
	for _, size := range []int{0, 16, 1000, 65536} {
		if _, err := c.NewAnalyser(size, 0.8); err == nil {
			t.Errorf("fft size %d should fail", size)
		}
	}
	if _, err := c.NewAnalyser(2048, 1.5); err == nil {
		t.Error("smoothing 1.5 should fail")
	}
}

func TestStreamSourceResamples(t *testing.T) {
	c := newTestContext(t)
	ls := pcm.NewLiveStream("narrowband", pcm.L16Mono8K, 2*time.Second)
	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	if err := ls.WriteSamples(samples); err != nil {
		t.Fatal(err)
	}
	src, err := c.NewStreamSource(ls)
	if err != nil {
		t.Fatal(err)
	}
	an, err := c.NewAnalyser(2048, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Connect(an); err != nil {
		t.Fatal(err)
	}
	if err := an.Connect(c.Destination()); err != nil {
		t.Fatal(err)
	}
	renderN(c, 64)

	if ls.Buffered() >= 8000 {
		t.Fatal("source did not pull from the stream")
	}
	if p := c.Destination().Peak(); p < 0.2 {
		t.Fatalf("destination peak = %v, want audible signal", p)
	}
	freq := make([]float32, 1024)
	an.FloatFrequencyData(freq)
	// 440 Hz * 2048 / 48000 = 18.8
	if got := argmax(freq); got < 18 || got > 20 {
		t.Fatalf("dominant bin = %d, want ~19", got)
	}
}

func TestBiquadHighpass(t *testing.T) {
	rms := func(freq float64) float64 {
		c := newTestContext(t)
		src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: freq, amp: 0.5})
		hp, err := c.NewBiquad(BiquadParams{Type: Highpass, Frequency: 80, Q: 0.707})
		if err != nil {
			t.Fatal(err)
		}
		an, _ := c.NewAnalyser(2048, 0)
		src.Connect(hp)
		hp.Connect(an)
		renderN(c, 64)
		td := make([]float32, 2048)
		an.FloatTimeDomainData(td)
		var sum float64
		for _, v := range td {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(td)))
	}
	low, high := rms(20), rms(2000)
	if low > 0.05 {
		t.Errorf("20 Hz rms = %v, want heavy attenuation", low)
	}
	if high < 0.33 || high > 0.37 {
		t.Errorf("2 kHz rms = %v, want ~0.354", high)
	}
}

func TestBiquadPeakingBoost(t *testing.T) {
	c := newTestContext(t)
	src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 3000, amp: 0.25})
	eq, err := c.NewBiquad(BiquadParams{Type: Peaking, Frequency: 3000, Q: 1, GainDB: 6})
	if err != nil {
		t.Fatal(err)
	}
	an, _ := c.NewAnalyser(2048, 0)
	src.Connect(eq)
	eq.Connect(an)
	renderN(c, 64)

	td := make([]float32, 2048)
	an.FloatTimeDomainData(td)
	var peak float32
	for _, v := range td {
		peak = max(peak, v)
	}
	// +6 dB doubles the amplitude.
	if peak < 0.47 || peak > 0.53 {
		t.Fatalf("peak = %v, want ~0.5", peak)
	}
}

func TestBiquadValidation(t *testing.T) {
	c := newTestContext(t)
	bad := []BiquadParams{
		{Type: Highpass, Frequency: 0, Q: 1},
		{Type: Highpass, Frequency: 24000, Q: 1},
		{Type: Lowpass, Frequency: 1000, Q: 0},
		{Type: 0, Frequency: 1000, Q: 1},
	}
	for _, p := range bad {
		if _, err := c.NewBiquad(p); err == nil {
			t.Errorf("NewBiquad(%+v) should fail", p)
		}
	}
}

func TestPannerGains(t *testing.T) {
	c := newTestContext(t)
	p, err := c.NewPanner()
	if err != nil {
		t.Fatal(err)
	}
	l, r := p.Gains()
	if math.Abs(l-r) > 1e-9 || math.Abs(l-math.Sqrt2/2) > 1e-9 {
		t.Fatalf("origin gains = %v, %v", l, r)
	}

	p.SetPosition(Vec3{X: 6})
	l, r = p.Gains()
	if l > 1e-9 || math.Abs(r-1.0/6) > 1e-9 {
		t.Fatalf("right gains = %v, %v", l, r)
	}

	p.SetPosition(Vec3{X: -6})
	l, r = p.Gains()
	if r > 1e-9 || math.Abs(l-1.0/6) > 1e-9 {
		t.Fatalf("left gains = %v, %v", l, r)
	}

	// Behind the listener mirrors the front.
	p.SetPosition(Vec3{X: 1, Z: 1})
	bl, br := p.Gains()
	p.SetPosition(Vec3{X: 1, Z: -1})
	fl, fr := p.Gains()
	if math.Abs(bl-fl) > 1e-9 || math.Abs(br-fr) > 1e-9 {
		t.Fatalf("back %v/%v != front %v/%v", bl, br, fl, fr)
	}
	if got := p.Position(); got != (Vec3{X: 1, Z: -1}) {
		t.Fatalf("Position = %+v", got)
	}
}

func TestPannerOutputsStereo(t *testing.T) {
	c := newTestContext(t)
	src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 500, amp: 0.5})
	p, _ := c.NewPanner()
	p.SetPosition(Vec3{X: 1})
	src.Connect(p)
	p.Connect(c.Destination())
	renderN(c, 4)

	left := make([]float32, Quantum)
	right := make([]float32, Quantum)
	c.Destination().Last(left, right)
	var el, er float64
	for i := range left {
		el += float64(left[i] * left[i])
		er += float64(right[i] * right[i])
	}
	if el > 1e-9 || er == 0 {
		t.Fatalf("energy left=%v right=%v, want all right", el, er)
	}
}

func TestDynamicsNodes(t *testing.T) {
	c := newTestContext(t)

	level := func(amp float64, build func() (Node, error)) float32 {
		src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 1000, amp: amp})
		n, err := build()
		if err != nil {
			t.Fatal(err)
		}
		an, _ := c.NewAnalyser(2048, 0)
		src.Connect(n)
		n.Connect(an)
		renderN(c, 100)
		td := make([]float32, 2048)
		an.FloatTimeDomainData(td)
		var peak float32
		for _, v := range td {
			peak = max(peak, v)
		}
		src.Release()
		n.Release()
		an.Release()
		return peak
	}
	ns := func() (Node, error) { return c.NewNoiseSuppressor() }
	ve := func() (Node, error) { return c.NewVoiceEnhancer() }

	if quiet := level(0.002, ns); quiet > 0.001 {
		t.Errorf("noise suppressor let hiss through: peak %v", quiet)
	}
	if loud := level(0.5, ns); loud < 0.49 {
		t.Errorf("noise suppressor attenuated speech: peak %v", loud)
	}
	// 0.5 is about -6 dBFS, 18 dB over threshold: 13.5 dB reduction, +6 dB makeup.
	if out := level(0.5, ve); out > 0.3 || out < 0.15 {
		t.Errorf("voice enhancer peak %v, want compressed", out)
	}
	if out := level(0.01, ve); out < 0.015 {
		t.Errorf("voice enhancer should lift quiet speech, peak %v", out)
	}
	if n := c.NodeCount(); n != 1 {
		t.Errorf("NodeCount after release = %d, want 1", n)
	}
}

func TestCapabilitiesProbe(t *testing.T) {
	full := newTestContext(t)
	if caps := full.Capabilities(); !caps.NoiseSuppressor || !caps.VoiceEnhancer {
		t.Fatalf("default caps = %+v", caps)
	}

	bare := newTestContext(t, WithoutNode(KindNoiseSuppressor), WithoutNode(KindVoiceEnhancer))
	caps := bare.Capabilities()
	if caps.Supports(KindNoiseSuppressor) || caps.Supports(KindVoiceEnhancer) {
		t.Fatalf("caps = %+v", caps)
	}
	if !caps.Supports(KindBiquad) || !caps.Supports(KindPanner) {
		t.Fatal("core kinds must always be supported")
	}
	if _, err := bare.NewNoiseSuppressor(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("NewNoiseSuppressor = %v", err)
	}
	if _, err := bare.NewVoiceEnhancer(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("NewVoiceEnhancer = %v", err)
	}
}

func TestGraphConnections(t *testing.T) {
	c := newTestContext(t)
	src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 100, amp: 0.1})
	a, _ := c.NewAnalyser(256, 0.5)
	b, _ := c.NewBiquad(BiquadParams{Type: Lowpass, Frequency: 1000, Q: 1})

	if err := src.Connect(a); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(b); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(a); err == nil {
		t.Fatal("cycle should be rejected")
	}
	if err := a.Connect(src); err == nil {
		t.Fatal("source has no input")
	}
	if err := c.Destination().Connect(a); err == nil {
		t.Fatal("destination has no output")
	}

	other := newTestContext(t)
	op, _ := other.NewPanner()
	if err := a.Connect(op); err == nil {
		t.Fatal("cross-context connect should fail")
	}

	b.Release()
	b.Release()
	if err := a.Connect(b); !errors.Is(err, ErrReleased) {
		t.Fatalf("connect to released = %v", err)
	}
	if n := c.NodeCount(); n != 3 {
		t.Fatalf("NodeCount = %d, want 3", n)
	}
	renderN(c, 2)
}

func TestStreamDestination(t *testing.T) {
	c := newTestContext(t)
	src, _ := c.NewStreamSource(&sineStream{id: "s", format: pcm.L16Mono48K, freq: 300, amp: 0.5})

	wide := &collector{format: pcm.L16Mono48K}
	narrow := &collector{format: pcm.L16Mono8K}
	sw, err := c.NewStreamDestination(wide)
	if err != nil {
		t.Fatal(err)
	}
	sn, err := c.NewStreamDestination(narrow)
	if err != nil {
		t.Fatal(err)
	}
	src.Connect(sw)
	src.Connect(sn)
	renderN(c, 75) // 200 ms

	if len(wide.samples) != 75*Quantum {
		t.Fatalf("wide samples = %d", len(wide.samples))
	}
	// 1600 samples at 8 kHz, less resampler latency.
	if n := len(narrow.samples); n < 800 || n > 1700 {
		t.Fatalf("narrow samples = %d", n)
	}
	if _, err := c.NewStreamDestination(nil); err == nil {
		t.Fatal("nil transmitter should fail")
	}
}

func TestRenderTick(t *testing.T) {
	c := newTestContext(t, WithTick(20*time.Millisecond))
	now := time.Now()
	c.Scheduler().Step(now)
	// 960 frames per tick: 7 quanta, 64 frames carried over.
	if got := c.Destination().Frames(); got != 7*Quantum {
		t.Fatalf("frames after 1 tick = %d", got)
	}
	c.Scheduler().Step(now.Add(20 * time.Millisecond))
	if got := c.Destination().Frames(); got != 15*Quantum {
		t.Fatalf("frames after 2 ticks = %d", got)
	}
}

func TestContextClose(t *testing.T) {
	c, err := NewContext(WithSampleRate(16000))
	if err != nil {
		t.Fatal(err)
	}
	if c.SampleRate() != 16000 {
		t.Fatalf("SampleRate = %d", c.SampleRate())
	}
	if _, err := c.NewPanner(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.NodeCount() != 0 {
		t.Fatalf("NodeCount after close = %d", c.NodeCount())
	}
	if _, err := c.NewPanner(); !errors.Is(err, ErrReleased) {
		t.Fatalf("NewPanner after close = %v", err)
	}
	if c.Scheduler().Len() != 0 {
		t.Fatalf("render task still registered")
	}
	if _, err := NewContext(WithSampleRate(100)); err == nil {
		t.Fatal("invalid sample rate should fail")
	}
}
