// Package observability provides the Logger, MetricsClient and Tracer
// interfaces every mesh component is constructed with. The shapes mirror the
// host platform's own observability contracts so a service embedding the
// mesh can pass its existing logger/metrics client straight through instead
// of adapting to a bespoke interface.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel defines log message severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger is the structured logging interface used across the mesh.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient is the metrics recording interface used across the mesh.
// Names match the Prometheus-style exposition of spec §8.
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)

	StartTimer(name string, labels map[string]string) func()

	Close() error
}

// Span represents a single traced unit of work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attributes map[string]interface{})
	RecordError(err error)
	SetStatus(ok bool, description string)
	SpanContext() trace.SpanContext
}

// Tracer starts spans for outbound calls.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// StartSpanFunc matches Tracer.StartSpan for callers that want a function
// value instead of an interface, e.g. in tests.
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
