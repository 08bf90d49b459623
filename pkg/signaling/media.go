package signaling

import (
	"sync"
	"time"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// DefaultMediaBuffer is how much audio a dialog stream buffers.
const DefaultMediaBuffer = 500 * time.Millisecond

// LocalMedia is the audio this end of a dialog sends. Producers such as a
// synthesizer write into the embedded LiveStream; the audio pipeline pulls
// from it and hands the processed result to Transmit, which puts it on the
// wire.
type LocalMedia struct {
	*pcm.LiveStream

	mu   sync.Mutex
	sink func([]float32)
}

var (
	_ pcm.Stream      = (*LocalMedia)(nil)
	_ pcm.Transmitter = (*LocalMedia)(nil)
)

// NewLocalMedia creates LocalMedia whose transmitted audio goes to sink.
// A nil sink discards it.
func NewLocalMedia(id string, format pcm.Format, sink func([]float32)) *LocalMedia {
	return &LocalMedia{
		LiveStream: pcm.NewLiveStream(id, format, DefaultMediaBuffer),
		sink:       sink,
	}
}

// TransmitFormat returns the stream format.
func (m *LocalMedia) TransmitFormat() pcm.Format {
	return m.Format()
}

// Transmit forwards samples to the sink.
func (m *LocalMedia) Transmit(samples []float32) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(samples)
	}
}

// Detach stops forwarding and closes the stream.
func (m *LocalMedia) Detach() {
	m.mu.Lock()
	m.sink = nil
	m.mu.Unlock()
	m.Close()
}
