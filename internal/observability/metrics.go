package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all Prometheus instruments used by the daemon. A nil
// *Metrics disables collection, so callers never branch on whether the
// metrics listener is configured.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	EngineRebuilds  prometheus.Counter
	IdleShutdowns   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Executed commands by type and outcome.",
		}, []string{"type", "outcome"}),
		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall-clock command duration by type.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"type"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting for the single audio worker.",
		}),
		EngineRebuilds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_rebuilds_total",
			Help:      "Audio engine teardowns caused by a mode change.",
		}),
		IdleShutdowns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_shutdowns_total",
			Help:      "Self-shutdowns triggered by the idle timer.",
		}),
	}
}

func (m *Metrics) ObserveCommand(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind, outcome).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) EngineRebuilt() {
	if m == nil {
		return
	}
	m.EngineRebuilds.Inc()
}

func (m *Metrics) IdleShutdown() {
	if m == nil {
		return
	}
	m.IdleShutdowns.Inc()
}
