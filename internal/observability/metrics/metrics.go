package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autotrader"

// Metrics groups the Prometheus collectors for the coordinator. All methods are
// safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	taskTransitions *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	interventions   *prometheus.CounterVec

	eventsBroadcast *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	clients         prometheus.Gauge
	relayFailures   prometheus.Counter

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// New registers the collectors on reg. Passing a fresh prometheus.Registry keeps
// tests isolated from the global registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_transitions_total",
			Help: "Task status transitions by task type.",
		}, []string{"type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_duration_seconds",
			Help:    "Time from dispatch to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Number of live tasks, queued or active.",
		}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "interventions_total",
			Help: "Frontend intervention windows by outcome.",
		}, []string{"outcome"}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "broadcast_total",
			Help: "Events broadcast by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Per-client deliveries dropped because the client buffer was full.",
		}, []string{"type"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "clients",
			Help: "Connected event clients.",
		}),
		relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "relay_failures_total",
			Help: "Envelopes that could not be mirrored to the relay.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "autonomous", Name: "cycles_total",
			Help: "Autonomous cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "autonomous", Name: "cycle_duration_seconds",
			Help:    "Wall time of autonomous cycle steps.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
	}

	collectors := []prometheus.Collector{
		m.httpRequests, m.httpErrors, m.httpDuration,
		m.taskTransitions, m.taskDuration, m.queueDepth, m.interventions,
		m.eventsBroadcast, m.eventsDropped, m.clients, m.relayFailures,
		m.cycles, m.cycleDuration,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TaskTransition counts a task entering status.
func (m *Metrics) TaskTransition(taskType, status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(taskType, status).Inc()
}

// ObserveTaskDuration records dispatch-to-terminal latency.
func (m *Metrics) ObserveTaskDuration(taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(taskType, status).Observe(d.Seconds())
}

// SetQueueDepth reports the live queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Intervention counts an intervention outcome: requested, responded or timeout.
func (m *Metrics) Intervention(outcome string) {
	if m == nil {
		return
	}
	m.interventions.WithLabelValues(outcome).Inc()
}

// EventBroadcast counts one broadcast and the deliveries it dropped.
func (m *Metrics) EventBroadcast(eventType string, dropped int) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		m.eventsDropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

// SetClients reports the number of connected clients.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// RelayFailure counts a failed relay publish.
func (m *Metrics) RelayFailure() {
	if m == nil {
		return
	}
	m.relayFailures.Inc()
}

// Cycle records an autonomous cycle outcome and duration.
func (m *Metrics) Cycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
}
