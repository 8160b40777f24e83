// Package metrics provides Prometheus metrics for the chat server and client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nio_chat"
)

// Metrics contains all Prometheus metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec

	// Session metrics
	SessionsActive prometheus.Gauge
	Logins         *prometheus.CounterVec
	Registrations  prometheus.Counter

	// Chat metrics
	MessagesForwarded prometheus.Counter
	MessagesDropped   prometheus.Counter
	Deliveries        prometheus.Counter

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	BytesTransferred *prometheus.CounterVec
	TransferSize     prometheus.Histogram
	FilesStored      prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open control and transfer connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections opened by role and direction",
		}, []string{"role", "direction"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by connection role",
		}, []string{"role"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of logged-in users",
		}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Users registered on first login",
		}),

		MessagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Chat messages fanned out to other users",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Frames dropped as unroutable or invalid chat",
		}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Chat lines delivered to recipients",
		}),

		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "File transfers by direction and result",
		}, []string{"direction", "result"}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File payload bytes moved by direction",
		}, []string{"direction"}),
		TransferSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_size_bytes",
			Help:      "Size of completed file transfers",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		FilesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_stored_total",
			Help:      "Uploads flushed to the storage directory",
		}),
	}
}

// RecordLogin records a login attempt outcome.
func (m *Metrics) RecordLogin(result string) {
	m.Logins.WithLabelValues(result).Inc()
	if result == "accepted" {
		m.SessionsActive.Inc()
	}
}

// RecordLogout records the end of a session.
func (m *Metrics) RecordLogout() {
	m.SessionsActive.Dec()
}

// RecordForward records one fanned-out chat message.
func (m *Metrics) RecordForward(recipients int) {
	m.MessagesForwarded.Inc()
	m.Deliveries.Add(float64(recipients))
}
