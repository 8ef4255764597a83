package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	connectionsRejected *prometheus.CounterVec

	// Relay metrics
	commandsTotal    *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec

	// Classification metrics
	messagesClassified   *prometheus.CounterVec
	messagesSizeBytes    prometheus.Histogram
	notificationsDropped prometheus.Counter

	// History metrics
	slotsCommitted prometheus.Counter
	slotsExpired   prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popfiled_connections_total",
			Help: "Total number of client connections accepted.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "popfiled_connections_active",
			Help: "Number of currently active proxy sessions.",
		}, []string{"protocol"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popfiled_connections_rejected_total",
			Help: "Connections refused because the connection limit was reached.",
		}, []string{"protocol"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popfiled_commands_total",
			Help: "Total number of client commands processed.",
		}, []string{"protocol", "command"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popfiled_upstream_failures_total",
			Help: "Upstream connect or relay failures that ended a session.",
		}, []string{"protocol"}),

		messagesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popfiled_messages_classified_total",
			Help: "Total number of messages classified.",
		}, []string{"protocol", "bucket"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "popfiled_messages_size_bytes",
			Help:    "Size of classified messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popfiled_notifications_dropped_total",
			Help: "Classification notifications dropped because the supervisor was busy.",
		}),

		slotsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popfiled_history_committed_total",
			Help: "History slots committed by the maintenance tick.",
		}),
		slotsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popfiled_history_expired_total",
			Help: "History slots removed by the retention sweep.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsRejected,
		c.commandsTotal,
		c.upstreamFailures,
		c.messagesClassified,
		c.messagesSizeBytes,
		c.notificationsDropped,
		c.slotsCommitted,
		c.slotsExpired,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// ConnectionRejected increments the rejected connection counter.
func (c *PrometheusCollector) ConnectionRejected(protocol string) {
	c.connectionsRejected.WithLabelValues(protocol).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// UpstreamFailure increments the upstream failure counter.
func (c *PrometheusCollector) UpstreamFailure(protocol string) {
	c.upstreamFailures.WithLabelValues(protocol).Inc()
}

// MessageClassified counts a classification and observes the message size.
func (c *PrometheusCollector) MessageClassified(protocol, bucket string, sizeBytes int64) {
	c.messagesClassified.WithLabelValues(protocol, bucket).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// NotificationDropped increments the dropped notification counter.
func (c *PrometheusCollector) NotificationDropped() {
	c.notificationsDropped.Inc()
}

// SlotsCommitted adds n committed slots.
func (c *PrometheusCollector) SlotsCommitted(n int) {
	c.slotsCommitted.Add(float64(n))
}

// SlotsExpired adds n expired slots.
func (c *PrometheusCollector) SlotsExpired(n int) {
	c.slotsExpired.Add(float64(n))
}
