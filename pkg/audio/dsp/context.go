package dsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Quantum is the number of frames processed per render step.
const Quantum = 128

// DefaultSampleRate is the context sample rate used when none is configured.
const DefaultSampleRate = 48000

var (
	// ErrUnsupported is returned when creating a node kind the runtime does
	// not provide. See Context.Capabilities.
	ErrUnsupported = errors.New("dsp: node kind not supported")

	// ErrReleased is returned when using a released node or a closed
	// context.
	ErrReleased = errors.New("dsp: released")
)

// NodeKind identifies a node type.
type NodeKind int

const (
	KindStreamSource NodeKind = iota + 1
	KindAnalyser
	KindBiquad
	KindPanner
	KindNoiseSuppressor
	KindVoiceEnhancer
	KindDestination
	KindStreamDestination
)

// String returns the string representation of the kind.
func (k NodeKind) String() string {
	switch k {
	case KindStreamSource:
		return "stream_source"
	case KindAnalyser:
		return "analyser"
	case KindBiquad:
		return "biquad"
	case KindPanner:
		return "panner"
	case KindNoiseSuppressor:
		return "noise_suppressor"
	case KindVoiceEnhancer:
		return "voice_enhancer"
	case KindDestination:
		return "destination"
	case KindStreamDestination:
		return "stream_destination"
	default:
		return "unknown"
	}
}

// Capabilities lists the optional node kinds a runtime provides. Core kinds
// (sources, analysers, biquads, panners, destinations) are always present.
type Capabilities struct {
	NoiseSuppressor bool
	VoiceEnhancer   bool
}

// Supports reports whether nodes of kind k can be created.
func (c Capabilities) Supports(k NodeKind) bool {
	switch k {
	case KindNoiseSuppressor:
		return c.NoiseSuppressor
	case KindVoiceEnhancer:
		return c.VoiceEnhancer
	case 0:
		return false
	}
	return k <= KindStreamDestination
}

// Option configures a Context.
type Option interface {
	apply(*Context)
}

type optionFunc func(*Context)

func (f optionFunc) apply(c *Context) { f(c) }

// WithSampleRate sets the render sample rate. Defaults to DefaultSampleRate.
func WithSampleRate(rate int) Option {
	return optionFunc(func(c *Context) { c.sampleRate = rate })
}

// WithTick sets the scheduler period. Defaults to DefaultTick.
func WithTick(d time.Duration) Option {
	return optionFunc(func(c *Context) { c.tick = d })
}

// WithoutNode removes an optional node kind from the runtime.
func WithoutNode(k NodeKind) Option {
	return optionFunc(func(c *Context) {
		switch k {
		case KindNoiseSuppressor:
			c.caps.NoiseSuppressor = false
		case KindVoiceEnhancer:
			c.caps.VoiceEnhancer = false
		}
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Context) { c.logger = l })
}

// Context is an audio graph runtime.
//
// It is safe to call methods on Context and its nodes from multiple
// goroutines; graph mutation and rendering are serialized internally.
type Context struct {
	sampleRate int
	tick       time.Duration
	caps       Capabilities
	logger     *slog.Logger

	sched      *Scheduler
	renderTask *Task
	pending    int64 // frames owed by the render task, scaled by time.Second

	mu      sync.Mutex
	nodes   []*node // creation order
	quantum uint64
	dest    *Destination
	closed  bool
	cancel  context.CancelFunc
}

// NewContext creates a runtime and registers its render task.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		sampleRate: DefaultSampleRate,
		caps:       Capabilities{NoiseSuppressor: true, VoiceEnhancer: true},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	if c.sampleRate < 8000 || c.sampleRate > 192000 {
		return nil, fmt.Errorf("dsp: invalid sample rate %d", c.sampleRate)
	}
	c.sched = NewScheduler(c.tick)
	c.dest = newDestination(c)
	c.renderTask = c.sched.Every(c.renderTick)
	return c, nil
}

// SampleRate returns the render sample rate.
func (c *Context) SampleRate() int {
	return c.sampleRate
}

// Capabilities returns the node kinds this runtime provides.
func (c *Context) Capabilities() Capabilities {
	return c.caps
}

// Scheduler returns the scheduler that drives rendering.
func (c *Context) Scheduler() *Scheduler {
	return c.sched
}

// Destination returns the context's output node.
func (c *Context) Destination() *Destination {
	return c.dest
}

// Start drives the scheduler in a new goroutine until ctx is done or the
// context is closed.
func (c *Context) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()
	go func() {
		_ = c.sched.Run(ctx)
	}()
}

// Close stops rendering and releases every node.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	nodes := slices.Clone(c.nodes)
	c.mu.Unlock()

	c.renderTask.Stop()
	if cancel != nil {
		cancel()
	}
	for _, n := range nodes {
		n.Release()
	}
	return nil
}

// NodeCount returns the number of live nodes, including the destination.
func (c *Context) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Render processes one quantum.
func (c *Context) Render() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderLocked()
}

func (c *Context) renderLocked() {
	if c.closed {
		return
	}
	c.quantum++
	for _, n := range c.nodes {
		if len(n.outputs) == 0 {
			n.pull(c.quantum)
		}
	}
}

// renderTick renders as many quanta as one scheduler period covers,
// carrying fractional frames over to the next tick.
func (c *Context) renderTick(time.Time) {
	const quantum = Quantum * int64(time.Second)
	c.pending += int64(c.sampleRate) * int64(c.sched.Interval())
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending >= quantum {
		c.renderLocked()
		c.pending -= quantum
	}
}

// add registers a node. The caller must not hold c.mu.
func (c *Context) add(n *node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrReleased
	}
	c.nodes = append(c.nodes, n)
	return nil
}

// Node is one processing stage of a graph.
type Node interface {
	// Kind returns the node type.
	Kind() NodeKind

	// Connect routes this node's output into dst. Multiple connections to
	// the same input are mixed.
	Connect(dst Node) error

	// Disconnect removes every outgoing connection.
	Disconnect()

	// Release disconnects the node on both sides and removes it from the
	// context. Released nodes output silence and cannot be reconnected.
	Release()

	base() *node
}

// processor is the per-kind render callback. in holds the mixed inputs;
// process must set out.channels and fill out.
type processor interface {
	process(in, out *bus)
}

type node struct {
	ctx  *Context
	kind NodeKind
	proc processor

	inputs   []*node
	outputs  []*node
	rendered uint64
	in, out  bus
	released bool
}

func (n *node) base() *node { return n }

func (n *node) Kind() NodeKind { return n.kind }

func (n *node) Connect(dst Node) error {
	if dst == nil {
		return errors.New("dsp: connect to nil node")
	}
	d := dst.base()
	if d.ctx != n.ctx {
		return errors.New("dsp: nodes belong to different contexts")
	}
	if n.kind == KindDestination || n.kind == KindStreamDestination {
		return fmt.Errorf("dsp: %s has no output", n.kind)
	}
	if d.kind == KindStreamSource {
		return fmt.Errorf("dsp: %s has no input", d.kind)
	}
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	if n.released || d.released {
		return ErrReleased
	}
	if slices.Contains(n.outputs, d) {
		return nil
	}
	if d.reaches(n) {
		return errors.New("dsp: connection would create a cycle")
	}
	n.outputs = append(n.outputs, d)
	d.inputs = append(d.inputs, n)
	return nil
}

// reaches reports whether target is downstream of n (or n itself).
func (n *node) reaches(target *node) bool {
	if n == target {
		return true
	}
	for _, o := range n.outputs {
		if o.reaches(target) {
			return true
		}
	}
	return false
}

func (n *node) Disconnect() {
	n.ctx.mu.Lock()
	defer n.ctx.mu.Unlock()
	n.disconnectOutputsLocked()
}

func (n *node) disconnectOutputsLocked() {
	for _, o := range n.outputs {
		o.inputs = slices.DeleteFunc(o.inputs, func(x *node) bool { return x == n })
	}
	n.outputs = nil
}

func (n *node) Release() {
	c := n.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.released {
		return
	}
	n.released = true
	n.disconnectOutputsLocked()
	for _, i := range n.inputs {
		i.outputs = slices.DeleteFunc(i.outputs, func(x *node) bool { return x == n })
	}
	n.inputs = nil
	c.nodes = slices.DeleteFunc(c.nodes, func(x *node) bool { return x == n })
}

// pull renders the node for quantum q, at most once.
func (n *node) pull(q uint64) *bus {
	if n.rendered == q {
		return &n.out
	}
	n.rendered = q

	channels := 1
	for _, i := range n.inputs {
		if b := i.pull(q); b.channels > channels {
			channels = b.channels
		}
	}
	n.in.clear(channels)
	for _, i := range n.inputs {
		n.in.mix(&i.out)
	}
	n.proc.process(&n.in, &n.out)
	return &n.out
}

// bus carries one quantum of mono or stereo audio.
type bus struct {
	channels int
	data     [2][Quantum]float32
}

func (b *bus) clear(channels int) {
	b.channels = channels
	b.data[0] = [Quantum]float32{}
	b.data[1] = [Quantum]float32{}
}

// mix adds src into b, up-mixing mono to both channels or down-mixing
// stereo to mono as needed.
func (b *bus) mix(src *bus) {
	switch {
	case b.channels == src.channels:
		for ch := 0; ch < b.channels; ch++ {
			for i := range b.data[ch] {
				b.data[ch][i] += src.data[ch][i]
			}
		}
	case b.channels == 2 && src.channels == 1:
		for i, v := range src.data[0] {
			b.data[0][i] += v
			b.data[1][i] += v
		}
	case b.channels == 1 && src.channels == 2:
		for i := range b.data[0] {
			b.data[0][i] += 0.5 * (src.data[0][i] + src.data[1][i])
		}
	}
}

// mono writes the down-mix of b into dst.
func (b *bus) mono(dst *[Quantum]float32) {
	if b.channels < 2 {
		*dst = b.data[0]
		return
	}
	for i := range dst {
		dst[i] = 0.5 * (b.data[0][i] + b.data[1][i])
	}
}

// copyFrom makes b an exact copy of src.
func (b *bus) copyFrom(src *bus) {
	b.channels = src.channels
	b.data = src.data
}
