package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MonitorMetrics holds all Prometheus metrics for the event bus. A nil
// *MonitorMetrics is valid and records nothing, so tests can construct
// emitters without touching the default registry.
type MonitorMetrics struct {
	EventsTotal   *prometheus.CounterVec
	EmitDuration  prometheus.Histogram
	SinkDegraded  *prometheus.GaugeVec
	BatchSize     prometheus.Histogram
	Checkpoints   prometheus.Counter
	TapDropped    prometheus.Counter
	StreamClients prometheus.Gauge
}

// New initializes and registers the monitor metrics.
func New() *MonitorMetrics {
	return &MonitorMetrics{
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trade_monitor",
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Total number of emitted events by kind and status.",
		}, []string{"kind", "status"}), // status: ok, degraded, invalid, busy, unavailable
		EmitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trade_monitor",
			Subsystem: "bus",
			Name:      "emit_duration_seconds",
			Help:      "Latency of a full emit (validate + both sinks).",
			Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1, .5},
		}),
		SinkDegraded: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trade_monitor",
			Subsystem: "bus",
			Name:      "sink_degraded_gauge",
			Help:      "Whether a sink is currently degraded (1) or healthy (0).",
		}, []string{"sink"}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trade_monitor",
			Subsystem: "store",
			Name:      "insert_batch_size",
			Help:      "Number of rows committed per writer wakeup.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		Checkpoints: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "trade_monitor",
			Subsystem: "store",
			Name:      "wal_checkpoints_total",
			Help:      "Total number of passive WAL checkpoints triggered.",
		}),
		TapDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "trade_monitor",
			Subsystem: "tap",
			Name:      "dropped_total",
			Help:      "Events the live tap failed to publish.",
		}),
		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "trade_monitor",
			Subsystem: "stream",
			Name:      "clients_gauge",
			Help:      "Currently connected SSE clients.",
		}),
	}
}

func (m *MonitorMetrics) ObserveEmit(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, status).Inc()
	m.EmitDuration.Observe(d.Seconds())
}

func (m *MonitorMetrics) SetSinkDegraded(sink string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.SinkDegraded.WithLabelValues(sink).Set(v)
}

func (m *MonitorMetrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

func (m *MonitorMetrics) IncCheckpoints() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

func (m *MonitorMetrics) IncTapDropped() {
	if m == nil {
		return
	}
	m.TapDropped.Inc()
}

func (m *MonitorMetrics) AddStreamClients(delta float64) {
	if m == nil {
		return
	}
	m.StreamClients.Add(delta)
}
