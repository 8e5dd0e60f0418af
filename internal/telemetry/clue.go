package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger delegates to goa.design/clue/log for structured logging. The
	// logger reads formatting and debug settings from the context (set via
	// log.Context and log.With* during server startup).
	ClueLogger struct{}

	// ClueMetrics wraps an OTEL meter for runtime instrumentation.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer wraps an OTEL tracer for distributed tracing.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics constructs a Metrics recorder backed by the given OTEL meter.
func NewClueMetrics(meter metric.Meter) Metrics { return ClueMetrics{meter: meter} }

// NewClueTracer constructs a Tracer backed by the given OTEL tracer.
func NewClueTracer(tracer trace.Tracer) Tracer { return ClueTracer{tracer: tracer} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, log.Fmt(msg, keyvals...))
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, log.Fmt(msg, keyvals...))
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Print(ctx, log.Fmt(msg, keyvals...))
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, log.Fmt(msg, keyvals...))
}

func (m ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	if m.meter == nil {
		return
	}
	ctr, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	ctr.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	if m.meter == nil {
		return
	}
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	if m.meter == nil {
		return
	}
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (t ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	if t.tracer == nil {
		return ctx, noopSpan{}
	}
	nctx, span := t.tracer.Start(ctx, name, opts...)
	return nctx, clueSpan{span: span}
}

func (s clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name)
	_ = attrs
}
func (s clueSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s clueSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

// tagsToAttrs turns "key", "value", "key", "value", ... pairs into OTEL
// attributes. An odd trailing tag is dropped.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	n := len(tags) / 2
	if n == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
