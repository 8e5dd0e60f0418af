// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the orchestrator. Components depend on these interfaces rather
// than a concrete backend so tests can supply lightweight stubs and
// production wiring can swap in Clue/OTEL without touching business logic.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging. Implementations typically delegate to
// Clue but the interface is intentionally small so tests can provide
// lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code remains agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// AgentTelemetry captures observability metadata collected during an agent or
// tool invocation. Common fields provide type safety for standard metrics;
// Extra holds call-specific metadata (provider response headers, cache keys).
type AgentTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// TokensUsed tracks total tokens consumed by an LLM call, if any.
	TokensUsed int
	// Model identifies which LLM model was used, if any.
	Model string
	// Extra holds call-specific metadata not captured by common fields.
	Extra map[string]any
}
