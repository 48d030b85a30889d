// Package tracing sets up the relay's OpenTelemetry tracer provider and
// span helpers for HTTP requests and git subprocess invocations, with the
// exporter selected by config.TraceExporter.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/kenneth/secure-git-relay/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Init builds and installs the global TracerProvider for the relay,
// selecting an exporter per cfg.TraceExporter. The returned shutdown func
// must be called on process exit to flush buffered spans.
func Init(ctx context.Context, cfg *config.Config) (shutdown func(context.Context) error, err error) {
	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case config.TraceExporterJaeger:
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	case config.TraceExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("secure-git-relay"),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(512), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

var tracer = otel.Tracer("secure-git-relay")

// StartHTTPSpan starts a span named for an HTTP route, to be closed by the
// caller with span.End() once the handler returns.
func StartHTTPSpan(ctx context.Context, route string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "http."+route)
}

// StartGitSpan starts a span named "git.<operation>", where gitops passes the
// git subcommand (clone, fetch, bundle, am, push, ...).
func StartGitSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "git."+operation)
}
