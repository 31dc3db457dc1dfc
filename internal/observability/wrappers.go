package observability

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

// InstrumentedManager wraps a sandbox.Manager with tracing and operation
// counters. Execution outcomes are counted by the Recorder from bus events;
// this wrapper only sees the synchronous part of each call.
type InstrumentedManager struct {
	inner   *sandbox.Manager
	metrics *MetricsCollector
	tracer  *TracerSetup
}

// NewInstrumentedManager wraps a manager with observability. metrics and ts may be nil.
func NewInstrumentedManager(inner *sandbox.Manager, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedManager {
	return &InstrumentedManager{inner: inner, metrics: metrics, tracer: ts}
}

// Manager returns the wrapped manager.
func (m *InstrumentedManager) Manager() *sandbox.Manager { return m.inner }

// CreateSandbox creates and initializes a sandbox inside a span.
func (m *InstrumentedManager) CreateSandbox(ctx context.Context, id string, policy security.SecurityPolicy) (*sandbox.PluginSandbox, error) {
	_, span := m.tracer.startSandboxSpan(ctx, "create", id, policyAttrs(policy)...)
	sb, err := m.inner.CreateSandbox(id, policy)
	endSpan(span, err)
	m.recordOp("create", err)
	return sb, err
}

// RemoveSandbox shuts down and unregisters a sandbox inside a span.
func (m *InstrumentedManager) RemoveSandbox(ctx context.Context, id string) {
	_, span := m.tracer.startSandboxSpan(ctx, "remove", id)
	m.inner.RemoveSandbox(id)
	endSpan(span, nil)
	m.recordOp("remove", nil)
}

// ExecutePlugin launches a plugin in the named sandbox. The span covers the
// launch only; the child's lifetime is reported through events.
func (m *InstrumentedManager) ExecutePlugin(ctx context.Context, id string, req sandbox.ExecuteRequest) (*sandbox.ExecutionInfo, error) {
	_, span := m.tracer.startSandboxSpan(ctx, "execute", id, pluginAttrs(req)...)
	sb, err := m.lookup(id)
	var info *sandbox.ExecutionInfo
	if err == nil {
		info, err = sb.ExecutePlugin(req)
	}
	if err == nil {
		span.SetAttributes(executionAttrs(info)...)
	} else if m.metrics != nil {
		m.metrics.StartFailuresTotal.WithLabelValues(security.ErrorCode(err)).Inc()
	}
	endSpan(span, err)
	m.recordOp("execute", err)
	return info, err
}

// TerminatePlugin stops the plugin running in the named sandbox.
func (m *InstrumentedManager) TerminatePlugin(ctx context.Context, id string) error {
	_, span := m.tracer.startSandboxSpan(ctx, "terminate", id)
	sb, err := m.lookup(id)
	if err == nil {
		sb.TerminatePlugin()
	}
	endSpan(span, err)
	m.recordOp("terminate", err)
	return err
}

// UpdatePolicy replaces the policy of the named sandbox.
func (m *InstrumentedManager) UpdatePolicy(ctx context.Context, id string, p security.SecurityPolicy) error {
	_, span := m.tracer.startSandboxSpan(ctx, "update_policy", id, policyAttrs(p)...)
	sb, err := m.lookup(id)
	if err == nil {
		err = sb.UpdatePolicy(p)
	}
	endSpan(span, err)
	m.recordOp("update_policy", err)
	return err
}

func (m *InstrumentedManager) lookup(id string) (*sandbox.PluginSandbox, error) {
	sb := m.inner.Sandbox(id)
	if sb == nil {
		return nil, fmt.Errorf("%w: sandbox %q", security.ErrNotFound, id)
	}
	return sb, nil
}

func (m *InstrumentedManager) recordOp(op string, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = security.ErrorCode(err)
	}
	m.metrics.SandboxOperationsTotal.WithLabelValues(op, result).Inc()
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
