// Package pipeline builds and monitors per-stream audio processing graphs
// for call legs.
//
// Every stream handed to ProcessInbound or ProcessOutbound gets its own
// graph on a shared dsp runtime and a monitoring task that publishes
// AudioActivity once per scheduler tick until the stream is stopped:
//
//	inbound:  source → analyser → voice enhancer → spatializer → destination
//	outbound: source → analyser → noise reducer → voice enhancer [→ transmitter]
//
// Graphs are addressed by opaque Handle values. Runtimes lacking the
// preferred noise suppressor or voice enhancer get a high-pass or peaking
// biquad in the same position instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/haivivi/callroute/pkg/audio/dsp"
	"github.com/haivivi/callroute/pkg/audio/pcm"
	"github.com/haivivi/callroute/pkg/event"
)

// Defaults for the analyser and the activity detector.
const (
	DefaultFFTSize           = 2048
	DefaultSmoothing         = 0.8
	DefaultActivityThreshold = 0.01
)

// Fallback filter settings.
const (
	fallbackHighpassHz = 80.0
	fallbackPeakHz     = 3000.0
	fallbackPeakGainDB = 3.0
	fallbackQ          = 0.707
)

var (
	// ErrStreamBound is returned when a stream already has a graph in the
	// requested direction.
	ErrStreamBound = errors.New("pipeline: stream already bound")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: closed")
)

// Direction is the side of the call a stream belongs to.
type Direction int

const (
	Inbound Direction = iota + 1
	Outbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Handle addresses one registered processing graph. Handles are never
// reused within a Pipeline.
type Handle uint64

// HandleInfo describes a registered graph.
type HandleInfo struct {
	Handle    Handle
	Direction Direction
	PersonaID string
	StreamID  string
	Created   time.Time
	Position  dsp.Vec3 // inbound only
	Degraded  bool     // a fallback filter replaced a preferred node
}

// AudioActivity is published once per tick for every registered graph.
type AudioActivity struct {
	PersonaID   string
	Handle      Handle
	StreamID    string
	Direction   Direction
	Time        time.Time
	Metrics     Metrics
	Frequencies []float32 // dB spectrum the metrics were computed from
}

// SpatialUpdate is published when a graph's spatializer moves.
type SpatialUpdate struct {
	PersonaID string
	Handle    Handle
	Position  dsp.Vec3
}

// Events holds the pipeline's event buses.
type Events struct {
	Activity event.Bus[AudioActivity]
	Spatial  event.Bus[SpatialUpdate]
}

// Option configures a Pipeline.
type Option interface {
	apply(*Pipeline)
}

type optionFunc func(*Pipeline)

func (f optionFunc) apply(p *Pipeline) { f(p) }

// WithRoster sets the persona order used for spatial placement.
func WithRoster(personaIDs ...string) Option {
	return optionFunc(func(p *Pipeline) { p.layout.Roster = slices.Clone(personaIDs) })
}

// WithSpatialRadius sets the persona circle radius. Defaults to
// DefaultSpatialRadius.
func WithSpatialRadius(r float64) Option {
	return optionFunc(func(p *Pipeline) { p.layout.Radius = r })
}

// WithAnalyser sets the analyser window and smoothing. Defaults to
// DefaultFFTSize and DefaultSmoothing.
func WithAnalyser(fftSize int, smoothing float64) Option {
	return optionFunc(func(p *Pipeline) {
		p.fftSize = fftSize
		p.smoothing = smoothing
	})
}

// WithActivityThreshold sets the volume above which a stream is active.
func WithActivityThreshold(v float64) Option {
	return optionFunc(func(p *Pipeline) { p.threshold = v })
}

// WithRuntimeOptions passes options to the lazily created dsp runtime.
func WithRuntimeOptions(opts ...dsp.Option) Option {
	return optionFunc(func(p *Pipeline) { p.rtOpts = append(p.rtOpts, opts...) })
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Pipeline) { p.logger = l })
}

type streamKey struct {
	id  string
	dir Direction
}

type record struct {
	info HandleInfo

	nodes    []dsp.Node
	analyser *dsp.Analyser
	panner   *dsp.Panner
	task     *dsp.Task

	td []byte
	fd []float32
}

// Pipeline owns the shared audio runtime and every registered graph.
//
// It is safe to call methods on Pipeline from multiple goroutines.
type Pipeline struct {
	layout    Layout
	fftSize   int
	smoothing float64
	threshold float64
	rtOpts    []dsp.Option
	logger    *slog.Logger

	events Events

	mu        sync.Mutex
	rt        *dsp.Context
	runCtx    context.Context
	next      Handle
	handles   map[Handle]*record
	byPersona map[string][]Handle
	byStream  map[streamKey]Handle
	positions map[string]dsp.Vec3 // overrides set by UpdateExecutivePosition
	warnedNS  bool
	warnedVE  bool
	closed    bool
}

// New creates a Pipeline. The audio runtime is created on first use.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		layout:    Layout{Radius: DefaultSpatialRadius},
		fftSize:   DefaultFFTSize,
		smoothing: DefaultSmoothing,
		threshold: DefaultActivityThreshold,
		logger:    slog.Default(),
		handles:   make(map[Handle]*record),
		byPersona: make(map[string][]Handle),
		byStream:  make(map[streamKey]Handle),
		positions: make(map[string]dsp.Vec3),
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	return p
}

// Events returns the pipeline's event buses.
func (p *Pipeline) Events() *Events {
	return &p.events
}

// Layout returns the spatial layout.
func (p *Pipeline) Layout() Layout {
	return Layout{Radius: p.layout.Radius, Roster: slices.Clone(p.layout.Roster)}
}

// Start drives the runtime in real time until ctx is done. Without Start,
// callers advance the pipeline with Tick.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runCtx = ctx
	if p.rt != nil {
		p.rt.Start(ctx)
	}
}

// Tick advances the runtime by one scheduler period: the graphs render,
// then every monitoring task runs. It is a no-op before the runtime exists.
func (p *Pipeline) Tick(now time.Time) {
	p.mu.Lock()
	rt := p.rt
	p.mu.Unlock()
	if rt != nil {
		rt.Scheduler().Step(now)
	}
}

// runtimeLocked returns the shared runtime, creating it on first use.
func (p *Pipeline) runtimeLocked() (*dsp.Context, error) {
	if p.rt != nil {
		return p.rt, nil
	}
	opts := append([]dsp.Option{dsp.WithLogger(p.logger)}, p.rtOpts...)
	rt, err := dsp.NewContext(opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create audio runtime: %w", err)
	}
	p.rt = rt
	caps := rt.Capabilities()
	p.logger.Info("pipeline: audio runtime ready", "sample_rate", rt.SampleRate(),
		"noise_suppressor", caps.NoiseSuppressor, "voice_enhancer", caps.VoiceEnhancer)
	if p.runCtx != nil {
		rt.Start(p.runCtx)
	}
	return rt, nil
}

// ProcessInbound builds the inbound graph for a remote stream answered by
// personaID.
func (p *Pipeline) ProcessInbound(stream pcm.Stream, personaID string) (Handle, error) {
	return p.process(stream, personaID, Inbound)
}

// ProcessOutbound builds the outbound graph for a local stream spoken by
// personaID. When stream also implements pcm.Transmitter the processed
// audio is handed back to it.
func (p *Pipeline) ProcessOutbound(stream pcm.Stream, personaID string) (Handle, error) {
	return p.process(stream, personaID, Outbound)
}

func (p *Pipeline) process(stream pcm.Stream, personaID string, dir Direction) (Handle, error) {
	if stream == nil {
		return 0, errors.New("pipeline: nil stream")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	key := streamKey{id: stream.ID(), dir: dir}
	if _, ok := p.byStream[key]; ok {
		return 0, fmt.Errorf("%w: %s %s", ErrStreamBound, dir, stream.ID())
	}
	rt, err := p.runtimeLocked()
	if err != nil {
		return 0, err
	}

	p.next++
	rec := &record{
		info: HandleInfo{
			Handle:    p.next,
			Direction: dir,
			PersonaID: personaID,
			StreamID:  stream.ID(),
			Created:   time.Now(),
		},
		td: make([]byte, p.fftSize),
		fd: make([]float32, p.fftSize/2),
	}
	if err := p.buildLocked(rt, rec, stream); err != nil {
		for _, n := range rec.nodes {
			n.Release()
		}
		return 0, err
	}

	h := rec.info.Handle
	p.handles[h] = rec
	p.byPersona[personaID] = append(p.byPersona[personaID], h)
	p.byStream[key] = h
	rec.task = rt.Scheduler().Every(func(now time.Time) { p.monitor(h, now) })

	p.logger.Info("pipeline: processing started", "handle", uint64(h), "direction", dir.String(),
		"persona", personaID, "stream", stream.ID(), "degraded", rec.info.Degraded)
	return h, nil
}

// buildLocked creates and wires the graph nodes for rec. Created nodes are
// appended to rec.nodes even on failure so the caller can release them.
func (p *Pipeline) buildLocked(rt *dsp.Context, rec *record, stream pcm.Stream) error {
	src, err := rt.NewStreamSource(stream)
	if err != nil {
		return err
	}
	rec.nodes = append(rec.nodes, src)
	an, err := rt.NewAnalyser(p.fftSize, p.smoothing)
	if err != nil {
		return err
	}
	rec.nodes = append(rec.nodes, an)
	rec.analyser = an

	chain := []dsp.Node{src, an}
	caps := rt.Capabilities()
	switch rec.info.Direction {
	case Inbound:
		ve, err := p.enhancerLocked(rt, caps, rec)
		if err != nil {
			return err
		}
		pan, err := rt.NewPanner()
		if err != nil {
			return err
		}
		rec.nodes = append(rec.nodes, pan)
		rec.panner = pan
		pos, ok := p.positions[rec.info.PersonaID]
		if !ok {
			pos = p.layout.Position(rec.info.PersonaID)
		}
		pan.SetPosition(pos)
		rec.info.Position = pos
		chain = append(chain, ve, pan, rt.Destination())

	case Outbound:
		ns, err := p.noiseReducerLocked(rt, caps, rec)
		if err != nil {
			return err
		}
		ve, err := p.enhancerLocked(rt, caps, rec)
		if err != nil {
			return err
		}
		chain = append(chain, ns, ve)
		if tx, ok := stream.(pcm.Transmitter); ok {
			sink, err := rt.NewStreamDestination(tx)
			if err != nil {
				return err
			}
			rec.nodes = append(rec.nodes, sink)
			chain = append(chain, sink)
		}
	}

	for i := 0; i+1 < len(chain); i++ {
		if err := chain[i].Connect(chain[i+1]); err != nil {
			return fmt.Errorf("pipeline: connect %s to %s: %w", chain[i].Kind(), chain[i+1].Kind(), err)
		}
	}
	return nil
}

func (p *Pipeline) enhancerLocked(rt *dsp.Context, caps dsp.Capabilities, rec *record) (dsp.Node, error) {
	var n dsp.Node
	var err error
	if caps.VoiceEnhancer {
		n, err = rt.NewVoiceEnhancer()
	} else {
		if !p.warnedVE {
			p.warnedVE = true
			p.logger.Warn("pipeline: voice enhancer unavailable, using peaking filter")
		}
		rec.info.Degraded = true
		n, err = rt.NewBiquad(dsp.BiquadParams{
			Type:      dsp.Peaking,
			Frequency: fallbackPeakHz,
			Q:         fallbackQ,
			GainDB:    fallbackPeakGainDB,
		})
	}
	if err != nil {
		return nil, err
	}
	rec.nodes = append(rec.nodes, n)
	return n, nil
}

func (p *Pipeline) noiseReducerLocked(rt *dsp.Context, caps dsp.Capabilities, rec *record) (dsp.Node, error) {
	var n dsp.Node
	var err error
	if caps.NoiseSuppressor {
		n, err = rt.NewNoiseSuppressor()
	} else {
		if !p.warnedNS {
			p.warnedNS = true
			p.logger.Warn("pipeline: noise suppressor unavailable, using high-pass filter")
		}
		rec.info.Degraded = true
		n, err = rt.NewBiquad(dsp.BiquadParams{
			Type:      dsp.Highpass,
			Frequency: fallbackHighpassHz,
			Q:         fallbackQ,
		})
	}
	if err != nil {
		return nil, err
	}
	rec.nodes = append(rec.nodes, n)
	return n, nil
}

// monitor is the per-handle scheduler task.
func (p *Pipeline) monitor(h Handle, now time.Time) {
	p.mu.Lock()
	rec := p.handles[h]
	if rec == nil {
		p.mu.Unlock()
		return
	}
	rec.analyser.ByteTimeDomainData(rec.td)
	rec.analyser.FloatFrequencyData(rec.fd)
	ev := AudioActivity{
		PersonaID:   rec.info.PersonaID,
		Handle:      h,
		StreamID:    rec.info.StreamID,
		Direction:   rec.info.Direction,
		Time:        now,
		Metrics:     Measure(rec.td, rec.fd, p.rt.SampleRate(), p.threshold),
		Frequencies: slices.Clone(rec.fd),
	}
	p.mu.Unlock()
	p.events.Activity.Publish(ev)
}

// UpdateExecutivePosition moves the spatializer of every inbound graph
// bound to personaID and returns how many moved. Graphs created later for
// the persona start at the new position.
func (p *Pipeline) UpdateExecutivePosition(personaID string, x, y, z float64) int {
	pos := dsp.Vec3{X: x, Y: y, Z: z}
	var updates []SpatialUpdate

	p.mu.Lock()
	p.positions[personaID] = pos
	for _, h := range p.byPersona[personaID] {
		rec := p.handles[h]
		if rec == nil || rec.panner == nil {
			continue
		}
		rec.panner.SetPosition(pos)
		rec.info.Position = pos
		updates = append(updates, SpatialUpdate{PersonaID: personaID, Handle: h, Position: pos})
	}
	p.mu.Unlock()

	for _, u := range updates {
		p.events.Spatial.Publish(u)
	}
	return len(updates)
}

// StopProcessing tears down every graph reading from stream, in either
// direction, and returns how many were stopped. Unknown streams are a
// no-op.
func (p *Pipeline) StopProcessing(stream pcm.Stream) int {
	if stream == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, dir := range []Direction{Inbound, Outbound} {
		if h, ok := p.byStream[streamKey{id: stream.ID(), dir: dir}]; ok {
			p.stopLocked(h)
			n++
		}
	}
	return n
}

// Stop tears down the graph addressed by h and reports whether it existed.
func (p *Pipeline) Stop(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[h]; !ok {
		return false
	}
	p.stopLocked(h)
	return true
}

func (p *Pipeline) stopLocked(h Handle) {
	rec := p.handles[h]
	rec.task.Stop()
	for _, n := range rec.nodes {
		n.Release()
	}
	delete(p.handles, h)
	delete(p.byStream, streamKey{id: rec.info.StreamID, dir: rec.info.Direction})
	persona := rec.info.PersonaID
	p.byPersona[persona] = slices.DeleteFunc(p.byPersona[persona], func(x Handle) bool { return x == h })
	if len(p.byPersona[persona]) == 0 {
		delete(p.byPersona, persona)
	}
	p.logger.Info("pipeline: processing stopped", "handle", uint64(h),
		"direction", rec.info.Direction.String(), "persona", persona, "stream", rec.info.StreamID)
}

// Info returns a snapshot of the graph addressed by h.
func (p *Pipeline) Info(h Handle) (HandleInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.handles[h]
	if !ok {
		return HandleInfo{}, false
	}
	return rec.info, true
}

// Handles returns the live handles bound to personaID, oldest first. An
// empty personaID returns every live handle.
func (p *Pipeline) Handles(personaID string) []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if personaID != "" {
		return slices.Clone(p.byPersona[personaID])
	}
	out := make([]Handle, 0, len(p.handles))
	for h := range p.handles {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Close stops every graph and closes the runtime.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for h := range p.handles {
		p.stopLocked(h)
	}
	rt := p.rt
	p.mu.Unlock()

	p.events.Activity.Close()
	p.events.Spatial.Close()
	if rt != nil {
		return rt.Close()
	}
	return nil
}
