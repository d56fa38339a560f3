package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NoopLogger discards everything. Used as the default when a component is
// constructed without a Logger (e.g. in unit tests).
type NoopLogger struct{}

func NewNoopLogger() Logger { return NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (NoopLogger) Fatal(string, map[string]interface{}) {}
func (NoopLogger) Debugf(string, ...interface{})        {}
func (NoopLogger) Infof(string, ...interface{})         {}
func (NoopLogger) Warnf(string, ...interface{})         {}
func (NoopLogger) Errorf(string, ...interface{})        {}
func (n NoopLogger) WithPrefix(string) Logger           { return n }
func (n NoopLogger) With(map[string]interface{}) Logger { return n }

// NoopMetricsClient discards everything.
type NoopMetricsClient struct{}

func NewNoopMetricsClient() MetricsClient { return NoopMetricsClient{} }

func (NoopMetricsClient) RecordCounter(string, float64, map[string]string)   {}
func (NoopMetricsClient) RecordGauge(string, float64, map[string]string)     {}
func (NoopMetricsClient) RecordHistogram(string, float64, map[string]string) {}
func (NoopMetricsClient) RecordTimer(string, time.Duration, map[string]string) {
}
func (NoopMetricsClient) IncrementCounter(string, float64)                     {}
func (NoopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string) {
}
func (NoopMetricsClient) StartTimer(string, map[string]string) func() { return func() {} }
func (NoopMetricsClient) Close() error                                 { return nil }

// noopSpan is a no-op Span.
type noopSpan struct{}

func (noopSpan) End()                                              {}
func (noopSpan) SetAttribute(string, interface{})                  {}
func (noopSpan) AddEvent(string, map[string]interface{})           {}
func (noopSpan) RecordError(error)                                 {}
func (noopSpan) SetStatus(bool, string)                             {}
func (noopSpan) SpanContext() trace.SpanContext                    { return trace.SpanContext{} }

// NoopTracer never emits spans.
type NoopTracer struct{}

func NewNoopTracer() Tracer { return NoopTracer{} }

func (NoopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
