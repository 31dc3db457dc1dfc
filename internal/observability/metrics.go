package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for plugbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxesActive        prometheus.Gauge
	SandboxOperationsTotal *prometheus.CounterVec

	// Plugin execution metrics.
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsRunning  prometheus.Gauge
	StartFailuresTotal *prometheus.CounterVec

	// Resource metrics.
	LimitBreachesTotal *prometheus.CounterVec
	SandboxCPUSeconds  *prometheus.GaugeVec
	SandboxMemoryMB    *prometheus.GaugeVec

	// Security metrics.
	ViolationsTotal         *prometheus.CounterVec
	SuspiciousActivityTotal prometheus.Counter

	// Event bus metrics.
	EventsDroppedTotal prometheus.Counter

	// HTTP control plane metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of registered sandboxes.",
		}),

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total manager operations by result.",
		}, []string{"operation", "result"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "execution",
			Name:      "completed_total",
			Help:      "Total plugin executions that ran to exit.",
		}, []string{"exit_status", "termination_reason"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plugbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Plugin execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"exit_status"}),

		ExecutionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Subsystem: "execution",
			Name:      "running",
			Help:      "Number of plugin processes currently running.",
		}),

		StartFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "execution",
			Name:      "start_failures_total",
			Help:      "Plugin launches rejected or failed before the child ran.",
		}, []string{"code"}),

		LimitBreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "resource",
			Name:      "limit_breaches_total",
			Help:      "Resource limit breaches by dimension.",
		}, []string{"dimension"}),

		SandboxCPUSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Subsystem: "resource",
			Name:      "cpu_seconds",
			Help:      "CPU time used by the sandbox's current run.",
		}, []string{"sandbox_id"}),

		SandboxMemoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Subsystem: "resource",
			Name:      "memory_mb",
			Help:      "Resident memory of the sandbox's current run in MB.",
		}, []string{"sandbox_id"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "security",
			Name:      "violations_total",
			Help:      "Security violations by type.",
		}, []string{"type"}),

		SuspiciousActivityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "security",
			Name:      "suspicious_activity_total",
			Help:      "Filesystem changes that failed re-validation.",
		}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber fell behind.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plugbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxesActive,
		m.SandboxOperationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionsRunning,
		m.StartFailuresTotal,
		m.LimitBreachesTotal,
		m.SandboxCPUSeconds,
		m.SandboxMemoryMB,
		m.ViolationsTotal,
		m.SuspiciousActivityTotal,
		m.EventsDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
