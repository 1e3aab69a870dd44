// Package telemetry exposes Prometheus instrumentation for the
// messaging substrate over a private registry.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the substrate's counters and gauges. It satisfies
// the router's metrics sink interface.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesRouted   *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec

	deliveriesTotal *prometheus.CounterVec
	chaosInjections *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

// New builds a Metrics value with all collectors registered on its own
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "messages_sent_total",
				Help:      "Messages queued for transmission.",
			},
			[]string{"node"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "messages_received_total",
				Help:      "Messages received by a node.",
			},
			[]string{"node"},
		),
		messagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "messages_routed_total",
				Help:      "Messages forwarded toward another node.",
			},
			[]string{"node"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "messages_dropped_total",
				Help:      "Messages dropped (queue full, TTL expiry, chaos).",
			},
			[]string{"node"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fractree",
				Name:      "queue_depth",
				Help:      "Current outbound queue depth per priority.",
			},
			[]string{"node", "priority"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "deliveries_total",
				Help:      "Reliable delivery outcomes.",
			},
			[]string{"node", "outcome"},
		),
		chaosInjections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "chaos_injections_total",
				Help:      "Injected failures by type.",
			},
			[]string{"node", "failure_type"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fractree",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"op", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fractree",
				Name:      "request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				// 1ms .. ~4s
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fractree",
				Name:      "in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fractree",
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version and git_sha).",
			},
			[]string{"version", "git_sha"},
		),
	}

	m.registry.MustRegister(
		m.messagesSent, m.messagesReceived, m.messagesRouted,
		m.messagesDropped, m.queueDepth,
		m.deliveriesTotal, m.chaosInjections,
		m.requestsTotal, m.requestDuration, m.inFlight, m.buildInfo,
	)
	return m
}

func (m *Metrics) MessageSent(node string)     { m.messagesSent.WithLabelValues(node).Inc() }
func (m *Metrics) MessageReceived(node string) { m.messagesReceived.WithLabelValues(node).Inc() }
func (m *Metrics) MessageRouted(node string)   { m.messagesRouted.WithLabelValues(node).Inc() }
func (m *Metrics) MessageDropped(node string)  { m.messagesDropped.WithLabelValues(node).Inc() }

func (m *Metrics) QueueDepth(node, priority string, depth int) {
	m.queueDepth.WithLabelValues(node, priority).Set(float64(depth))
}

// DeliveryOutcome records a reliable delivery result ("delivered",
// "failed", "retried", "duplicate").
func (m *Metrics) DeliveryOutcome(node, outcome string) {
	m.deliveriesTotal.WithLabelValues(node, outcome).Inc()
}

// ChaosInjected records an injected failure.
func (m *Metrics) ChaosInjected(node, failureType string) {
	m.chaosInjections.WithLabelValues(node, failureType).Inc()
}

// SetBuildInfo should be called once at startup, e.g. with
// ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// Handler exposes /metrics for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the
// provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
