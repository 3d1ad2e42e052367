// Package metrics holds the hub's Prometheus instrumentation: a single
// promauto-registered set of counters, gauges, and histograms created
// once via sync.Once and shared across the process.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric this hub exposes.
type Metrics struct {
	ConnectedAgents  prometheus.Gauge
	RegisteredAgents prometheus.Gauge
	QueuedMessages   prometheus.Gauge

	MessagesRouted  *prometheus.CounterVec
	ReceiptsIssued  *prometheus.CounterVec
	RuleErrors      prometheus.Counter
	QueueOverflows  prometheus.Counter
	ValidationFails prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StreamConnections prometheus.Counter
	StreamFrames      *prometheus.CounterVec
}

var (
	once   sync.Once
	shared *Metrics
)

// New creates and registers every metric exactly once per process;
// subsequent calls return the same instance.
func New() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			ConnectedAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "a2a_connected_agents",
				Help: "Number of agents with a live stream attached.",
			}),
			RegisteredAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "a2a_registered_agents",
				Help: "Number of agents currently registered.",
			}),
			QueuedMessages: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "a2a_queued_messages",
				Help: "Total messages queued across all agents awaiting delivery.",
			}),
			MessagesRouted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "a2a_messages_routed_total",
					Help: "Total messages routed, by topic.",
				},
				[]string{"topic"},
			),
			ReceiptsIssued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "a2a_receipts_issued_total",
					Help: "Total delivery receipts issued, by status.",
				},
				[]string{"status"},
			),
			RuleErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "a2a_rule_errors_total",
				Help: "Total routing rule evaluation errors.",
			}),
			QueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
				Name: "a2a_queue_overflows_total",
				Help: "Total per-agent queue overflow events (oldest message dropped).",
			}),
			ValidationFails: promauto.NewCounter(prometheus.CounterOpts{
				Name: "a2a_validation_failures_total",
				Help: "Total messages rejected by the validator.",
			}),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "a2a_http_requests_total",
					Help: "Total HTTP requests, by method, path, and status.",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "a2a_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
			StreamConnections: promauto.NewCounter(prometheus.CounterOpts{
				Name: "a2a_stream_connections_total",
				Help: "Total WebSocket stream connections accepted.",
			}),
			StreamFrames: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "a2a_stream_frames_total",
					Help: "Total stream frames processed, by direction.",
				},
				[]string{"direction"},
			),
		}
	})
	return shared
}

// SetConnectedAgents records the current number of attached streams.
func (m *Metrics) SetConnectedAgents(n int) {
	m.ConnectedAgents.Set(float64(n))
}

// SetRegisteredAgents records the current number of registrations.
func (m *Metrics) SetRegisteredAgents(n int) {
	m.RegisteredAgents.Set(float64(n))
}

// SetQueuedMessages records the current total queued-message count.
func (m *Metrics) SetQueuedMessages(n int) {
	m.QueuedMessages.Set(float64(n))
}

// RecordRouted increments the routed-message counter for topic.
func (m *Metrics) RecordRouted(topic string) {
	m.MessagesRouted.WithLabelValues(topic).Inc()
}

// RecordReceipt increments the receipt counter for status.
func (m *Metrics) RecordReceipt(status string) {
	m.ReceiptsIssued.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one HTTP request's outcome and latency.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
