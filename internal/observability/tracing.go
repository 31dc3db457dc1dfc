package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/plugbox/internal/config"
	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

// Span attribute keys shared by every sandbox span.
const (
	attrSandboxID   = attribute.Key("sandbox.id")
	attrPolicyName  = attribute.Key("sandbox.policy")
	attrPolicyLevel = attribute.Key("sandbox.level")
	attrPluginPath  = attribute.Key("plugin.path")
	attrPluginType  = attribute.Key("plugin.type")
	attrPluginPID   = attribute.Key("plugin.pid")
	attrExecutionID = attribute.Key("execution.id")
)

const defaultServiceName = "plugbox"

// TracerSetup owns the TracerProvider behind sandbox and HTTP spans. It is
// never installed globally. A nil *TracerSetup is valid and traces nothing.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup returns nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer(name)}, nil
}

// newExporter builds the OTLP exporter for cfg.Protocol; anything but
// "http" uses gRPC.
func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newSampler samples root spans at rate and follows the parent otherwise,
// so an HTTP request and the sandbox operation it triggers share a decision.
// A rate outside (0, 1) samples everything.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the named tracer, or a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Start opens a span on the named tracer.
func (t *TracerSetup) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// startSandboxSpan opens "sandbox.<op>" tagged with the sandbox id.
func (t *TracerSetup) startSandboxSpan(ctx context.Context, op, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, "sandbox."+op, append([]attribute.KeyValue{attrSandboxID.String(id)}, attrs...)...)
}

func policyAttrs(p security.SecurityPolicy) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrPolicyName.String(p.Name),
		attrPolicyLevel.String(p.Level.String()),
	}
}

func pluginAttrs(req sandbox.ExecuteRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrPluginPath.String(req.PluginPath),
		attrPluginType.String(req.Type.String()),
	}
}

func executionAttrs(info *sandbox.ExecutionInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrPluginPID.Int(info.PID),
		attrExecutionID.String(info.ExecutionID),
	}
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
