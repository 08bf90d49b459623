package dsp

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// newResampler returns a mono resampler, or nil when the rates match.
func newResampler(from, to int) (resampling.Resampler, error) {
	if from == to {
		return nil, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("dsp: create resampler %d->%d: %w", from, to, err)
	}
	return rs, nil
}

// StreamSource feeds a pcm.Stream into the graph, converting it to the
// context sample rate. When the stream has nothing buffered the source
// outputs silence.
type StreamSource struct {
	node
	stream pcm.Stream
	rs     resampling.Resampler

	pullBuf []float32
	rsIn    []float64
	fifo    []float32
	starved int64
	failed  bool
}

// NewStreamSource creates a source node reading from s.
func (c *Context) NewStreamSource(s pcm.Stream) (*StreamSource, error) {
	rs, err := newResampler(s.Format().SampleRate(), c.sampleRate)
	if err != nil {
		return nil, err
	}
	src := &StreamSource{stream: s, rs: rs}
	src.node = node{ctx: c, kind: KindStreamSource, proc: src}
	if err := c.add(&src.node); err != nil {
		return nil, err
	}
	return src, nil
}

// Stream returns the stream the node reads from.
func (s *StreamSource) Stream() pcm.Stream {
	return s.stream
}

// Starved returns how many quanta were padded with silence because the
// stream had too little audio buffered.
func (s *StreamSource) Starved() int64 {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.starved
}

func (s *StreamSource) process(_, out *bus) {
	out.clear(1)
	if len(s.fifo) < Quantum {
		s.fill()
	}
	n := copy(out.data[0][:], s.fifo)
	s.fifo = s.fifo[:copy(s.fifo, s.fifo[n:])]
	if n < Quantum {
		s.starved++
	}
}

// fill pulls enough source samples to cover at least one quantum.
func (s *StreamSource) fill() {
	srcRate := s.stream.Format().SampleRate()
	want := (Quantum-len(s.fifo))*srcRate/s.ctx.sampleRate + 1
	if cap(s.pullBuf) < want {
		s.pullBuf = make([]float32, want)
	}
	n := s.stream.Pull(s.pullBuf[:want])
	if n == 0 {
		return
	}
	if s.rs == nil || s.failed {
		if !s.failed {
			s.fifo = append(s.fifo, s.pullBuf[:n]...)
		}
		return
	}
	s.rsIn = s.rsIn[:0]
	for _, v := range s.pullBuf[:n] {
		s.rsIn = append(s.rsIn, float64(v))
	}
	out, err := s.rs.Process(s.rsIn)
	if err != nil {
		s.failed = true
		s.ctx.logger.Error("dsp: resample stream failed, source muted",
			"stream", s.stream.ID(), "error", err)
		return
	}
	for _, v := range out {
		s.fifo = append(s.fifo, float32(v))
	}
}
