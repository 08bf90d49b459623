// Package dsp is a small real-time audio graph runtime.
//
// A Context owns a set of nodes connected into directed graphs. Each render
// step processes one quantum of Quantum frames at the context sample rate:
// every sink node pulls its inputs, and each node runs at most once per
// quantum no matter how many outputs it feeds.
//
//	src, _ := ctx.NewStreamSource(stream)
//	an, _ := ctx.NewAnalyser(2048, 0.8)
//	pan, _ := ctx.NewPanner()
//	src.Connect(an)
//	an.Connect(pan)
//	pan.Connect(ctx.Destination())
//
// Rendering is driven by the context Scheduler. The render task is the
// first task registered, so tasks added later (metrics monitors, for
// example) observe the graph after it has advanced for the tick.
//
// Optional node kinds can be absent from a runtime. Callers probe
// Capabilities up front and build a substitute instead of relying on the
// constructor to fail.
package dsp
