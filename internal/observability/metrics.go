package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveTasks    prometheus.Gauge
	ClientConns    prometheus.Gauge
	TaskOutcomes   *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	AudioBytes     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the instruments on reg instead of the global registry.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of in-flight synthesis tasks.",
		}),
		ClientConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Number of open client websocket connections.",
		}),
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished synthesis tasks by mode, terminal state and reason.",
		}, []string{"mode", "state", "reason"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream provider errors by mode and code.",
		}, []string{"mode", "code"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_ms",
			Help:      "Synthesis task wall time in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 15000, 30000},
		}, []string{"mode", "state"}),
		AudioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes written to artifacts by mode.",
		}, []string{"mode"}),
	}
}

func (m *Metrics) ObserveTask(mode, state, reason string, d time.Duration, audioBytes int64) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(mode, state, reason).Inc()
	m.TaskDuration.WithLabelValues(mode, state).Observe(float64(d.Milliseconds()))
	if audioBytes > 0 {
		m.AudioBytes.WithLabelValues(mode).Add(float64(audioBytes))
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
