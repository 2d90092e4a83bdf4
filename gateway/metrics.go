package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamgate/metric"
)

// Metrics holds Prometheus metrics for the gateway
type Metrics struct {
	sessionsActive      prometheus.Gauge
	sessionsDetached    prometheus.Gauge
	connectionsTotal    prometheus.Counter
	disconnectionsTotal *prometheus.CounterVec
	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	resumesTotal        *prometheus.CounterVec
	heartbeatTimeouts   prometheus.Counter
	slowConsumerTotal   prometheus.Counter
	authFailuresTotal   prometheus.Counter
	publishDropped      prometheus.Counter
}

// newMetrics creates and registers gateway metrics. Returns nil when no
// registry is provided; callers nil-check before recording.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),

		sessionsDetached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "sessions_detached",
			Help:      "Number of dropped sessions awaiting resume",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections",
		}),

		disconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "disconnections_total",
			Help:      "Total session disconnections",
		}, []string{"reason"}),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "dispatch_total",
			Help:      "Total dispatch frames delivered to sessions",
		}, []string{"event_type"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to fan one event out to all recipients",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		resumesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "resumes_total",
			Help:      "Total resume attempts",
		}, []string{"outcome"}),

		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total sessions closed for missing heartbeats",
		}),

		slowConsumerTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "slow_consumers_total",
			Help:      "Total slow consumer policy applications",
		}),

		authFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Total rejected Identify attempts",
		}),

		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "gateway",
			Name:      "publish_dropped_total",
			Help:      "Total domain events rejected by a saturated publish queue",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.sessionsActive,
		metrics.sessionsDetached,
		metrics.connectionsTotal,
		metrics.disconnectionsTotal,
		metrics.dispatchTotal,
		metrics.dispatchDuration,
		metrics.resumesTotal,
		metrics.heartbeatTimeouts,
		metrics.slowConsumerTotal,
		metrics.authFailuresTotal,
		metrics.publishDropped,
	)

	return metrics
}
