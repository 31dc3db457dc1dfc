package observability

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/jkaninda/plugbox/internal/events"
)

// Recorder turns bus events into metric updates. Sandboxes publish
// everything the collector needs, so nothing in the sandbox package
// depends on Prometheus.
type Recorder struct {
	metrics *MetricsCollector
	sub     *events.Subscription
	done    chan struct{}
	logger  *slog.Logger
}

// NewRecorder subscribes to every topic on bus. Returns nil when metrics
// are disabled; a nil Recorder's methods are no-ops.
func NewRecorder(metrics *MetricsCollector, bus *events.Bus, logger *slog.Logger) *Recorder {
	if metrics == nil || bus == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{
		metrics: metrics,
		sub:     bus.Subscribe(events.Filter{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start consumes events until Stop is called or the bus closes.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	go func() {
		defer close(r.done)
		for ev := range r.sub.C {
			r.Record(ev)
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.sub.Close()
	<-r.done
	if n := r.sub.Dropped(); n > 0 {
		r.logger.Warn("metrics recorder fell behind", slog.Uint64("dropped", n))
	}
}

// Record applies one event to the collector.
func (r *Recorder) Record(ev events.Event) {
	if r == nil {
		return
	}
	m := r.metrics
	switch ev.Topic {
	case events.TopicSandboxCreated:
		m.SandboxesActive.Inc()
	case events.TopicSandboxRemoved:
		m.SandboxesActive.Dec()
		m.SandboxCPUSeconds.DeleteLabelValues(ev.SandboxID)
		m.SandboxMemoryMB.DeleteLabelValues(ev.SandboxID)
	case events.TopicExecutionStarted:
		m.ExecutionsRunning.Inc()
	case events.TopicExecutionCompleted:
		m.ExecutionsRunning.Dec()
		status := stringField(ev.Payload, "exit_status")
		reason := stringField(ev.Payload, "termination_reason")
		if reason == "" {
			reason = "none"
		}
		m.ExecutionsTotal.WithLabelValues(status, reason).Inc()
		if ms, ok := number(ev.Payload["duration_ms"]); ok {
			m.ExecutionDuration.WithLabelValues(status).Observe(ms / 1000)
		}
		r.recordUsage(ev)
	case events.TopicResourceUsageUpdated:
		r.recordUsage(ev)
	case events.TopicResourceLimitExceeded:
		m.LimitBreachesTotal.WithLabelValues(stringField(ev.Payload, "dimension")).Inc()
	case events.TopicSecurityEvent:
		if inner, ok := ev.Payload["event"].(map[string]any); ok {
			m.ViolationsTotal.WithLabelValues(stringField(inner, "type")).Inc()
		}
	case events.TopicSecurityViolation:
		m.ViolationsTotal.WithLabelValues(stringField(ev.Payload, "kind")).Inc()
	case events.TopicSuspiciousActivity:
		m.SuspiciousActivityTotal.Inc()
	}
}

func (r *Recorder) recordUsage(ev events.Event) {
	usage, ok := ev.Payload["usage"].(map[string]any)
	if !ok {
		usage, ok = ev.Payload["resource_usage"].(map[string]any)
	}
	if !ok {
		return
	}
	if v, ok := number(usage["cpu_time_used"]); ok {
		r.metrics.SandboxCPUSeconds.WithLabelValues(ev.SandboxID).Set(v / 1000)
	}
	if v, ok := number(usage["memory_used_mb"]); ok {
		r.metrics.SandboxMemoryMB.WithLabelValues(ev.SandboxID).Set(v)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// number accepts the numeric types payloads carry in-process and after a
// JSON round trip.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
