// Package telemetry wires OpenTelemetry tracing and metrics for activities,
// approvals and workflow lifecycle.
package telemetry

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/homeos/pkg/schema"
)

const instrumentation = "github.com/rendis/homeos"

// Attribute keys shared by spans and metrics.
const (
	AttrWorkflowID   = attribute.Key("homeos.workflow_id")
	AttrWorkflowType = attribute.Key("homeos.workflow_type")
	AttrWorkspaceID  = attribute.Key("homeos.workspace_id")
	AttrActivity     = attribute.Key("homeos.activity")
	AttrAttempt      = attribute.Key("homeos.attempt")
	AttrErrorCode    = attribute.Key("homeos.error_code")
	AttrOutcome      = attribute.Key("homeos.outcome")
)

var (
	providerOnce sync.Once
	providerErr  error
	provider     *sdktrace.TracerProvider
)

// Init installs a global tracer provider exporting spans as JSON lines to w.
// Only the first call has an effect. The returned function flushes and stops
// the provider.
func Init(serviceName, version string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return InitWithExporter(serviceName, version, exporter)
}

// InitWithExporter is Init for any span exporter.
func InitWithExporter(serviceName, version string, exporter sdktrace.SpanExporter) (func(context.Context) error, error) {
	providerOnce.Do(func() {
		res, err := resource.New(context.Background(), resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		))
		if err != nil {
			providerErr = err
			return
		}
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
	})
	if providerErr != nil {
		return nil, providerErr
	}
	return func(ctx context.Context) error {
		if provider == nil {
			return nil
		}
		return provider.Shutdown(ctx)
	}, nil
}

// Tracer returns the homeos tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(instrumentation) }

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (with its error code) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if code := schema.ErrorCode(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(code))
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
