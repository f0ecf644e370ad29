package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
	errors   *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewMetrics creates the scheduler collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edusync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by integration and result.",
		}, []string{"integration", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edusync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"integration"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edusync",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records applied to the local store by kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edusync",
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "Sync errors by class.",
		}, []string{"class"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edusync",
			Subsystem: "sync",
			Name:      "active_runs",
			Help:      "Sync runs currently in progress.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.records, m.errors, m.active)
	}

	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}

	m.active.Inc()
}

func (m *Metrics) runFinished(integrationID string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}

	result := "success"
	if !ok {
		result = "failure"
	}

	m.active.Dec()
	m.runs.WithLabelValues(integrationID, result).Inc()
	m.duration.WithLabelValues(integrationID).Observe(elapsed.Seconds())
}

func (m *Metrics) recordsApplied(kind string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.records.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) errorRecorded(class string) {
	if m == nil {
		return
	}

	m.errors.WithLabelValues(class).Inc()
}
