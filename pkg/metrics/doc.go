// Package metrics exports Prometheus metrics for routing decisions, call
// sessions and audio processing. A Collector owns its own registry and is
// fed by subscribing to the event buses of the other packages.
package metrics
