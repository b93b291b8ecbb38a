// Package observability provides the logging, metrics, and tracing
// interfaces shared across the engine. Implementations are injected at
// construction time; the engine holds no process-wide aggregator.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel defines log message severity
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection. The record
// categories used by the engine are merge_operation, ai_analysis,
// operation_transform and merge_execution.
type MetricsClient interface {
	RecordOperation(category string, operation string, success bool, duration time.Duration, labels map[string]string)
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// Span represents a trace span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// StartSpanFunc creates and starts a new span.
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)

// Tracer defines the interface for distributed tracing.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// noopSpan satisfies Span while recording nothing.
type noopSpan struct{}

func (noopSpan) End()                                       {}
func (noopSpan) SetAttribute(key string, value interface{}) {}
func (noopSpan) RecordError(err error)                      {}

// NoopStartSpan is a StartSpanFunc that records nothing.
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

// otelSpan adapts an OpenTelemetry span to the Span interface.
type otelSpan struct {
	span trace.Span
}

func (o otelSpan) End() { o.span.End() }

func (o otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	default:
		o.span.SetAttributes(attribute.String(key, stringify(v)))
	}
}

func (o otelSpan) RecordError(err error) { o.span.RecordError(err) }

// NewTracerStartSpan wraps an otel tracer into a StartSpanFunc.
func NewTracerStartSpan(tracer trace.Tracer) StartSpanFunc {
	return func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
		ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
		return ctx, otelSpan{span: span}
	}
}
