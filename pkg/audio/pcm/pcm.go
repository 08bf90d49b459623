package pcm

import (
	"fmt"
	"time"
)

const (
	// L16Mono8K represents audio/L16; rate=8000; channels=1
	L16Mono8K Format = iota
	// L16Mono16K represents audio/L16; rate=16000; channels=1
	L16Mono16K
	// L16Mono24K represents audio/L16; rate=24000; channels=1
	L16Mono24K
	// L16Mono48K represents audio/L16; rate=48000; channels=1
	L16Mono48K
)

// Format represents an audio format configuration.
type Format int

// FormatOf returns the mono L16 format with the given sample rate.
func FormatOf(sampleRate int) (Format, error) {
	switch sampleRate {
	case 8000:
		return L16Mono8K, nil
	case 16000:
		return L16Mono16K, nil
	case 24000:
		return L16Mono24K, nil
	case 48000:
		return L16Mono48K, nil
	}
	return 0, fmt.Errorf("pcm: unsupported sample rate %d", sampleRate)
}

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono8K:
		return 8000
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid audio type")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int {
	switch f {
	case L16Mono8K, L16Mono16K, L16Mono24K, L16Mono48K:
		return 1
	}
	panic("pcm: invalid audio type")
}

// Depth returns the bit depth for this format.
func (f Format) Depth() int {
	switch f {
	case L16Mono8K, L16Mono16K, L16Mono24K, L16Mono48K:
		return 16
	}
	panic("pcm: invalid audio type")
}

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int64) int64 {
	return bytes * 8 / int64(f.Channels()) / int64(f.Depth())
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.SampleRate()) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.Channels()) * int64(f.Depth()) / 8
}

// Duration returns the duration of the given number of samples.
func (f Format) Duration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate())
}

// String returns a human-readable string representation of the format.
func (f Format) String() string {
	switch f {
	case L16Mono8K, L16Mono16K, L16Mono24K, L16Mono48K:
		return fmt.Sprintf("audio/L16; rate=%d; channels=1", f.SampleRate())
	}
	return fmt.Sprintf("pcm.Format(%d)", int(f))
}
