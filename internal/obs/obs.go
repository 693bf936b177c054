// Package obs wires up the Observability module (C13): a log/slog backbone
// for the whole process, an OpenTelemetry tracer provider, and the
// otelslog bridge so every log line carries the active span's trace/span
// id without a second logging API.
//
// Grounded on the teacher's cmd.go, which logs through bare log/slog
// (slog.Info("Shutting down...")) with no structured handler of its own;
// generalized here to build the *slog.Logger the rest of the app receives
// via fx, instead of relying on slog's package-level default.
package obs

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options controls how Setup wires tracing and logging. ServiceName and
// ServiceVersion become OpenTelemetry resource attributes attached to
// every span and log record this process emits.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// TraceWriter/LogWriter receive encoded spans/log records. Default to
	// io.Discard when nil, which still exercises the SDK's batching/export
	// pipeline without requiring a collector endpoint to be reachable in
	// tests or local development.
	TraceWriter io.Writer
	LogWriter   io.Writer
	// Level is carried in the options but Setup does not apply it: the
	// returned logger's handler does no level filtering of its own.
	Level slog.Level
}

// Provider bundles everything Setup builds so callers (normally fx) can
// shut it down cleanly.
type Provider struct {
	Logger         *slog.Logger
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
}

// Setup builds the process-wide logger and tracer provider and installs
// the tracer provider as the OpenTelemetry global, so every
// otel.Tracer(...) call elsewhere in the module (internal/dispatch) picks it
// up without being threaded through explicitly.
func Setup(opts Options) (*Provider, error) {
	traceWriter := opts.TraceWriter
	if traceWriter == nil {
		traceWriter = io.Discard
	}
	logWriter := opts.LogWriter
	if logWriter == nil {
		logWriter = io.Discard
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceWriter))
	if err != nil {
		return nil, err
	}
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(logWriter))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	handler := otelslog.NewHandler(opts.ServiceName, otelslog.WithLoggerProvider(lp))
	logger := slog.New(handler)

	return &Provider{Logger: logger, TracerProvider: tp, LoggerProvider: lp}, nil
}

// Shutdown flushes and stops the tracer and logger providers. Call during
// graceful shutdown, after all in-flight spans and log records have been
// emitted.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.LoggerProvider.Shutdown(ctx)
}

// Tracer is a thin convenience wrapper so callers that only need a named
// tracer don't have to import go.opentelemetry.io/otel directly.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }
