package pcm

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Stream is a live mono audio source. The real-time runtime pulls from it
// once per render quantum, so Pull must never block.
type Stream interface {
	// ID identifies the stream for reverse lookups and diagnostics.
	ID() string

	// Format returns the sample format the stream produces.
	Format() Format

	// Pull copies up to len(dst) buffered samples into dst and returns the
	// number copied. It returns 0 when nothing is buffered.
	Pull(dst []float32) int
}

// Transmitter is a sink for processed audio leaving the host, e.g. the send
// side of a call leg.
type Transmitter interface {
	// TransmitFormat returns the sample format Transmit expects.
	TransmitFormat() Format

	// Transmit hands one block of samples to the sink. It must not block.
	Transmit(samples []float32)
}

// LiveStream is a Stream fed by a network reader or a synthesizer. Writes
// never block: once capacity is reached the oldest samples are overwritten.
//
// It is safe to call methods on LiveStream from multiple goroutines.
type LiveStream struct {
	id     string
	format Format

	mu      sync.Mutex
	ring    *ring[float32]
	pending []byte // odd trailing byte from the previous Write
	scratch []float32
	dropped int64
	closed  bool
}

var _ Stream = (*LiveStream)(nil)

// NewLiveStream creates a LiveStream that buffers up to capacity of audio.
func NewLiveStream(id string, format Format, capacity time.Duration) *LiveStream {
	size := int(format.SamplesInDuration(capacity))
	if size < 1 {
		size = 1
	}
	return &LiveStream{
		id:     id,
		format: format,
		ring:   newRing[float32](size),
	}
}

// ID returns the stream ID.
func (s *LiveStream) ID() string {
	return s.id
}

// Format returns the stream format.
func (s *LiveStream) Format() Format {
	return s.format
}

// Write appends 16-bit little-endian samples. It implements io.Writer so a
// synthesizer can stream raw PCM straight into the stream.
func (s *LiveStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("pcm: write to closed stream %s: %w", s.id, io.ErrClosedPipe)
	}
	data := p
	if len(s.pending) > 0 {
		data = make([]byte, 0, len(s.pending)+len(p))
		data = append(append(data, s.pending...), p...)
		s.pending = s.pending[:0]
	}
	if len(data)%2 == 1 {
		s.pending = append(s.pending, data[len(data)-1])
		data = data[:len(data)-1]
	}
	n := len(data) / 2
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	samples := s.scratch[:n]
	DecodeInt16(samples, data)
	s.dropped += int64(s.ring.write(samples))
	return len(p), nil
}

// WriteSamples appends float samples in [-1, 1].
func (s *LiveStream) WriteSamples(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pcm: write to closed stream %s: %w", s.id, io.ErrClosedPipe)
	}
	s.dropped += int64(s.ring.write(samples))
	return nil
}

// Pull copies up to len(dst) buffered samples into dst.
func (s *LiveStream) Pull(dst []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.read(dst)
}

// Buffered returns the number of samples waiting to be pulled.
func (s *LiveStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len()
}

// Dropped returns the number of samples lost to overflow since creation.
func (s *LiveStream) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close rejects further writes and discards buffered audio.
func (s *LiveStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.ring.reset()
	s.pending = nil
	return nil
}
