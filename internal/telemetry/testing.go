package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// TestTelemetry records spans in memory.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
}

// NewTestTelemetry installs an in-memory tracer provider globally and
// restores the previous provider when tb finishes. Tests using it must not
// run in parallel.
func NewTestTelemetry(tb testing.TB) *TestTelemetry {
	tb.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tb.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	return &TestTelemetry{
		Telemetry: &Telemetry{cfg: cfg, tracerProvider: tp},
		Recorder:  rec,
	}
}

// Tracer returns a tracer from the in-memory provider.
func (t *TestTelemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// Spans returns ended spans.
func (t *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return t.Recorder.Ended()
}

// SpanByName returns the first ended span named name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.Spans() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpan fails unless a span named name ended with every attribute in
// attrs.
func (t *TestTelemetry) AssertSpan(tb testing.TB, name string, attrs ...attribute.KeyValue) {
	tb.Helper()
	span := t.SpanByName(name)
	if span == nil {
		names := make([]string, 0, len(t.Spans()))
		for _, s := range t.Spans() {
			names = append(names, s.Name())
		}
		tb.Errorf("span %q not found, got %v", name, names)
		return
	}
	have := make(map[attribute.Key]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		have[kv.Key] = kv.Value
	}
	for _, want := range attrs {
		got, ok := have[want.Key]
		if !ok || got != want.Value {
			tb.Errorf("span %q attribute %s = %v, want %v", name, want.Key, got.Emit(), want.Value.Emit())
		}
	}
}
