package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the event pruner.
type Metrics struct {
	Runs          prometheus.Counter
	Failures      prometheus.Counter
	EventsPruned  prometheus.Counter
	RunDuration   prometheus.Histogram
	LastSuccessTS prometheus.Gauge
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total pruning runs.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Pruning runs that returned an error.",
		}),
		EventsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "retention",
			Name:      "events_pruned_total",
			Help:      "Stored security events deleted by retention.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plugbox",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of each pruning run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		LastSuccessTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Subsystem: "retention",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful pruning run.",
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.Failures,
		m.EventsPruned,
		m.RunDuration,
		m.LastSuccessTS,
	)

	return m
}
