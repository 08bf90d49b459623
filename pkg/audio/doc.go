// Package audio groups the call audio packages:
//
//   - pcm: sample formats, int16/float conversion and live call streams
//   - dsp: the graph runtime (sources, filters, dynamics, panner, analyser)
//     driven by a fixed-period scheduler
//   - pipeline: per-persona processing graphs built on dsp, with activity
//     monitoring and spatial placement
//
// Example usage:
//
//	p := pipeline.New(pipeline.WithRoster("cfo", "cmo", "cto"))
//	h, err := p.ProcessInbound(dialog.RemoteStream(), "cfo")
//	...
//	p.StopProcessing(dialog.RemoteStream())
package audio
