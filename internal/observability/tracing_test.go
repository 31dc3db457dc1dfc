package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/plugbox/internal/sandbox"
)

func recordingSetup(t *testing.T) (*TracerSetup, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("newSampler(%v) = %s, want parent-based root %s", tt.rate, desc, tt.want)
		}
	}
}

func TestInstrumentedManager_Spans(t *testing.T) {
	ts, sr := recordingSetup(t)
	mgr := sandbox.NewManager(sandbox.ManagerConfig{Sandbox: sandbox.Options{MonitorInterval: 50 * time.Millisecond}})
	t.Cleanup(mgr.ShutdownAll)
	im := NewInstrumentedManager(mgr, nil, ts)
	ctx := context.Background()

	p := testPolicy()
	if _, err := im.CreateSandbox(ctx, "s1", p); err != nil {
		t.Fatal(err)
	}
	if _, err := im.ExecutePlugin(ctx, "s1", sandbox.ExecuteRequest{PluginPath: "/definitely/not/here"}); err == nil {
		t.Fatal("execute of a missing file succeeded")
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	create, execute := spans[0], spans[1]
	if create.Name() != "sandbox.create" {
		t.Errorf("first span = %s", create.Name())
	}
	if spanAttr(create, attrSandboxID) != "s1" || spanAttr(create, attrPolicyName) != p.Name ||
		spanAttr(create, attrPolicyLevel) != p.Level.String() {
		t.Errorf("create attributes = %v", create.Attributes())
	}
	if create.Status().Code == codes.Error {
		t.Error("successful create marked as error")
	}

	if execute.Name() != "sandbox.execute" {
		t.Errorf("second span = %s", execute.Name())
	}
	if spanAttr(execute, attrSandboxID) != "s1" || spanAttr(execute, attrPluginPath) != "/definitely/not/here" {
		t.Errorf("execute attributes = %v", execute.Attributes())
	}
	if execute.Status().Code != codes.Error {
		t.Errorf("failed execute status = %v, want error", execute.Status().Code)
	}
}
