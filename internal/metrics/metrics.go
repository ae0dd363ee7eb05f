// Package metrics provides Prometheus metrics for the relay core: per-role
// connection gauges/counters, bytes moved, and error/auth-failure
// counters. Only RecordBytes is wired up (as the stat callback in
// cmd/sstunnel); neither the Listener nor the relay Handler calls the other
// recorders.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sstunnel"

// Metrics contains all Prometheus metrics exposed by a running relay.
type Metrics struct {
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionErrors    *prometheus.CounterVec
	OneTimeAuthFailures prometheus.Counter

	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	DNSQueries prometheus.Counter
	DNSLatency prometheus.Histogram

	ConnectLatency prometheus.Histogram

	HandlersIdleClosed prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry exactly once.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered against
// reg, so tests can use a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active connections by role",
		}, []string{"role"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections accepted, by role",
		}, []string{"role"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connection errors by stage and role",
		}, []string{"stage", "role"}),
		OneTimeAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "one_time_auth_failures_total",
			Help:      "Total one-time-auth header or chunk verification failures",
		}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written, by direction",
		}, []string{"direction"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read, by direction",
		}, []string{"direction"}),

		DNSQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Total DNS resolutions performed during the DNS stage",
		}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_latency_seconds",
			Help:      "Histogram of DNS stage resolution latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECTING stage dial latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		HandlersIdleClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handlers_idle_closed_total",
			Help:      "Total handlers destroyed by the timeout sweeper for going idle",
		}),
	}
}

// RecordConnect records a newly accepted connection for role.
func (m *Metrics) RecordConnect(role string) {
	m.ConnectionsActive.WithLabelValues(role).Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordDisconnect records a connection tearing down for role.
func (m *Metrics) RecordDisconnect(role string) {
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordStageError records an error surfaced at stage for role.
func (m *Metrics) RecordStageError(stage, role string) {
	m.ConnectionErrors.WithLabelValues(stage, role).Inc()
}

// RecordOneTimeAuthFailure records a header or chunk MAC verification
// failure.
func (m *Metrics) RecordOneTimeAuthFailure() {
	m.OneTimeAuthFailures.Inc()
}

// RecordBytes records bytesMoved application bytes in the given direction
// ("upstream" or "downstream"). This is the function wired as a Listener's
// stat_callback.
func (m *Metrics) RecordBytes(direction string, bytes int) {
	if direction == "downstream" {
		m.BytesReceived.WithLabelValues(direction).Add(float64(bytes))
		return
	}
	m.BytesSent.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDNS records a completed DNS stage resolution.
func (m *Metrics) RecordDNS(latencySeconds float64) {
	m.DNSQueries.Inc()
	m.DNSLatency.Observe(latencySeconds)
}

// RecordConnectLatency records a completed CONNECTING stage dial.
func (m *Metrics) RecordConnectLatency(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordIdleClosed records the timeout sweeper destroying an idle handler.
func (m *Metrics) RecordIdleClosed() {
	m.HandlersIdleClosed.Inc()
}
