package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haivivi/callroute/pkg/audio/pipeline"
	"github.com/haivivi/callroute/pkg/event"
	"github.com/haivivi/callroute/pkg/routing"
	"github.com/haivivi/callroute/pkg/session"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "callroute"

// Collector holds the metric vectors and the event subscriptions feeding
// them.
type Collector struct {
	reg *prometheus.Registry

	// routing
	assignments     *prometheus.CounterVec
	routingFailures prometheus.Counter
	personaLoad     *prometheus.GaugeVec
	personaUp       *prometheus.GaugeVec

	// sessions
	activeSessions   prometheus.Gauge
	connected        *prometheus.CounterVec
	terminations     *prometheus.CounterVec
	signalingFailed  *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	transportDropped prometheus.Counter

	// audio
	audioTicks  *prometheus.CounterVec
	audioVolume *prometheus.GaugeVec
	audioActive *prometheus.GaugeVec

	mu    sync.Mutex
	loops []func(context.Context)
}

// New creates a Collector registering under namespace on a fresh
// registry. An empty namespace selects DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	c := &Collector{reg: reg}

	c.assignments = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_assignments_total",
			Help:      "Total number of persona assignments",
		},
		[]string{"persona", "path"},
	)
	c.routingFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_failures_total",
		Help:      "Assignments that fell back to the default persona",
	})
	c.personaLoad = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persona_load",
			Help:      "Concurrent calls held by each persona",
		},
		[]string{"persona"},
	)
	c.personaUp = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persona_available",
			Help:      "1 when the persona accepts calls",
		},
		[]string{"persona"},
	)

	c.activeSessions = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Established sessions",
	})
	c.connected = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_connected_total",
			Help:      "Sessions that were established",
		},
		[]string{"direction"},
	)
	c.terminations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Established sessions that ended, by outcome",
		},
		[]string{"direction", "outcome"},
	)
	c.signalingFailed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_failures_total",
			Help:      "Calls that could not be set up",
		},
		[]string{"direction"},
	)
	c.sessionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of established sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"direction"},
	)
	c.transportDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signaling_disconnects_total",
		Help:      "Times the signaling transport went away",
	})

	c.audioTicks = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_ticks_total",
			Help:      "Monitoring samples taken per persona and direction",
		},
		[]string{"persona", "direction"},
	)
	c.audioVolume = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_volume",
			Help:      "Last RMS volume measured, 0..1",
		},
		[]string{"persona", "direction"},
	)
	c.audioActive = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_active",
			Help:      "1 when the last sample was above the activity threshold",
		},
		[]string{"persona", "direction"},
	)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// ObserveRouting subscribes to the routing engine's buses.
func (c *Collector) ObserveRouting(ev *routing.Events) {
	watch(c, ev.Assigned.Subscribe(0), c.onAssigned)
	watch(c, ev.Failed.Subscribe(0), func(routing.RoutingFailed) { c.routingFailures.Inc() })
	watch(c, ev.LoadBalanced.Subscribe(0), c.onLoad)
	watch(c, ev.Availability.Subscribe(0), c.onAvailability)
}

// ObserveSessions subscribes to the session manager's buses.
func (c *Collector) ObserveSessions(ev *session.Events) {
	watch(c, ev.Connected.Subscribe(0), c.onConnected)
	watch(c, ev.Bye.Subscribe(0), c.onBye)
	watch(c, ev.SignalingFailed.Subscribe(0), c.onSignalingFailed)
	watch(c, ev.Disconnected.Subscribe(0), func(session.Disconnected) { c.transportDropped.Inc() })
}

// ObservePipeline subscribes to the audio pipeline's activity bus.
func (c *Collector) ObservePipeline(ev *pipeline.Events) {
	watch(c, ev.Activity.Subscribe(event.DefaultBuffer*4), c.onActivity)
}

// Run consumes every observed bus until ctx is done or all buses are
// closed. Observe calls must happen before Run.
func (c *Collector) Run(ctx context.Context) {
	c.mu.Lock()
	loops := c.loops
	c.loops = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

func watch[T any](c *Collector, sub *event.Subscription[T], fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops = append(c.loops, func(ctx context.Context) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				fn(v)
			}
		}
	})
}

func (c *Collector) onAssigned(ev routing.ExecutiveAssigned) {
	c.assignments.WithLabelValues(ev.PersonaID, ev.Path.String()).Inc()
}

func (c *Collector) onLoad(ev routing.LoadBalanced) {
	c.personaLoad.WithLabelValues(ev.PersonaID).Set(float64(ev.NewLoad))
}

func (c *Collector) onAvailability(ev routing.AvailabilityChanged) {
	up := 0.0
	if ev.Availability == routing.Available {
		up = 1
	}
	c.personaUp.WithLabelValues(ev.PersonaID).Set(up)
}

func (c *Collector) onConnected(ev session.Connected) {
	c.activeSessions.Inc()
	c.connected.WithLabelValues(ev.Session.Direction.String()).Inc()
}

func (c *Collector) onBye(ev session.Bye) {
	dir := ev.Session.Direction.String()
	c.activeSessions.Dec()
	c.terminations.WithLabelValues(dir, Outcome(ev)).Inc()
	c.sessionDuration.WithLabelValues(dir).Observe(ev.Session.Duration.Seconds())
}

func (c *Collector) onSignalingFailed(ev session.SignalingFailed) {
	c.signalingFailed.WithLabelValues(ev.Direction.String()).Inc()
}

func (c *Collector) onActivity(ev pipeline.AudioActivity) {
	dir := ev.Direction.String()
	c.audioTicks.WithLabelValues(ev.PersonaID, dir).Inc()
	c.audioVolume.WithLabelValues(ev.PersonaID, dir).Set(ev.Metrics.Volume)
	active := 0.0
	if ev.Metrics.IsActive {
		active = 1
	}
	c.audioActive.WithLabelValues(ev.PersonaID, dir).Set(active)
}

// Outcome labels how an established session ended.
func Outcome(ev session.Bye) string {
	switch {
	case ev.Err != nil:
		return "transport_lost"
	case ev.Remote:
		return "remote_bye"
	default:
		return "completed"
	}
}
