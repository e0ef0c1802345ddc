// Package metrics exposes the deck's Prometheus collectors.
//
// Every method on *Metrics is safe to call on a nil receiver, so packages
// take an optional *Metrics and report unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deck"

// Ingest results.
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestInvalid   = "invalid"
	IngestError     = "error"
)

// Metrics holds the deck's collectors and the registry they live in.
//
// Thread-safety: safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ingested         *prometheus.CounterVec
	rotations        *prometheus.CounterVec
	rotationDuration prometheus.Histogram
	rotationsActive  prometheus.Gauge
	eventsDropped    prometheus.Counter

	connections   prometheus.Gauge
	messages      *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	capsuleErrors *prometheus.CounterVec

	upstreamConnected  *prometheus.GaugeVec
	upstreamEvents     *prometheus.CounterVec
	upstreamReconnects *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "buffer",
				Name:      "ingested_total",
				Help:      "Events offered to the deck by ingest result",
			},
			[]string{"result"},
		),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "total",
				Help:      "Finished rotations by result",
			},
			[]string{"result"},
		),
		rotationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "duration_seconds",
				Help:      "Capsule compile duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		rotationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "in_flight",
				Help:      "1 while a rotation is compiling",
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "events_dropped_total",
				Help:      "Buffered events discarded after a failed compile",
			},
		),

		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "connections",
				Help:      "Open websocket connections",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "messages_total",
				Help:      "Client messages received by verb",
			},
			[]string{"verb"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "query_duration_seconds",
				Help:      "Merge query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"verb"},
		),
		capsuleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "capsule_errors_total",
				Help:      "Capsule calls that failed and were skipped",
			},
			[]string{"code"},
		),

		upstreamConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "connected",
				Help:      "1 while connected to an upstream relay",
			},
			[]string{"relay"},
		),
		upstreamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "events_total",
				Help:      "Events received from upstream relays",
			},
			[]string{"relay"},
		),
		upstreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "reconnects_total",
				Help:      "Upstream reconnect attempts",
			},
			[]string{"relay"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingested,
		m.rotations,
		m.rotationDuration,
		m.rotationsActive,
		m.eventsDropped,
		m.connections,
		m.messages,
		m.queryDuration,
		m.capsuleErrors,
		m.upstreamConnected,
		m.upstreamEvents,
		m.upstreamReconnects,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gauge registers a gauge sampled from fn at scrape time. It is how the
// buffer and registry sizes are exported without those packages importing
// this one.
func (m *Metrics) Gauge(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// Ingested counts one ingest outcome.
func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}

// RotationStarted marks a rotation in flight.
func (m *Metrics) RotationStarted() {
	if m == nil {
		return
	}
	m.rotationsActive.Set(1)
}

// RotationFinished records a finished rotation.
func (m *Metrics) RotationFinished(ok bool, d time.Duration, events int) {
	if m == nil {
		return
	}
	m.rotationsActive.Set(0)
	m.rotationDuration.Observe(d.Seconds())
	if ok {
		m.rotations.WithLabelValues("success").Inc()
		return
	}
	m.rotations.WithLabelValues("failure").Inc()
}

// EventsDropped counts events discarded after a failed compile.
func (m *Metrics) EventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Message counts a client message.
func (m *Metrics) Message(verb string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(verb).Inc()
}

// Query observes a merge query's duration.
func (m *Metrics) Query(verb string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// CapsuleError counts a skipped capsule failure.
func (m *Metrics) CapsuleError(code string) {
	if m == nil {
		return
	}
	m.capsuleErrors.WithLabelValues(code).Inc()
}

// UpstreamConnected sets the connection state of an upstream relay.
func (m *Metrics) UpstreamConnected(relay string, up bool) {
	if m == nil {
		return
	}
	if up {
		m.upstreamConnected.WithLabelValues(relay).Set(1)
		return
	}
	m.upstreamConnected.WithLabelValues(relay).Set(0)
}

// UpstreamEvent counts an event received from an upstream relay.
func (m *Metrics) UpstreamEvent(relay string) {
	if m == nil {
		return
	}
	m.upstreamEvents.WithLabelValues(relay).Inc()
}

// UpstreamReconnect counts a reconnect attempt.
func (m *Metrics) UpstreamReconnect(relay string) {
	if m == nil {
		return
	}
	m.upstreamReconnects.WithLabelValues(relay).Inc()
}
