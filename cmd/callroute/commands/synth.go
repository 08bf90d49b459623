package commands

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// toneSynth stands in for a speech synthesizer: it streams a sine tone in
// real time until the call ends.
type toneSynth struct {
	format    pcm.Format
	frequency float64
	amplitude float64
	chunk     time.Duration
}

func (s toneSynth) Synthesize(ctx context.Context, personaID, sessionID string, w io.Writer) error {
	rate := float64(s.format.SampleRate())
	n := int(s.format.SamplesInDuration(s.chunk))
	buf := make([]byte, 2*n)
	ticker := time.NewTicker(s.chunk)
	defer ticker.Stop()
	var phase float64
	for {
		for i := 0; i < n; i++ {
			v := int16(s.amplitude * 32767 * math.Sin(phase))
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
			phase += 2 * math.Pi * s.frequency / rate
		}
		phase = math.Mod(phase, 2*math.Pi)
		if _, err := w.Write(buf); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tone returns n samples of a sine wave starting at sample offset.
func tone(n, offset int, rate int, frequency, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(offset+i) / float64(rate)
		out[i] = float32(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return out
}
