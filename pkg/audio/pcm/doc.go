// Package pcm provides types and utilities for live PCM (Pulse Code Modulation)
// call audio.
//
// The package defines the 16-bit mono formats used on call legs (8kHz for
// G.711 telephony up to 48kHz for the processing runtime) and the two
// directions audio takes through the host:
//
//   - Stream: a live source the real-time runtime pulls from once per tick.
//   - Transmitter: a sink receiving processed audio that leaves the host.
//
// LiveStream is the standard Stream implementation. Network readers write
// into it as packets arrive and the runtime pulls whatever is buffered; when
// the consumer falls behind, the oldest samples are overwritten so latency
// stays bounded.
//
// Example usage:
//
//	s := pcm.NewLiveStream("call-1/remote", pcm.L16Mono8K, 200*time.Millisecond)
//	s.Write(packetPayload) // 16-bit little-endian samples
//
//	block := make([]float32, 160)
//	n := s.Pull(block) // never blocks
package pcm
