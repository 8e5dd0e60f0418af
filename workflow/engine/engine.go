// Package engine defines the durable-execution abstractions the Workflow
// Engine builds on: a pluggable Engine interface so task workflows can run
// against Temporal in production or an in-memory adapter in tests without
// the orchestration code above it changing.
package engine

import (
	"context"
	"time"

	"github.com/taskorch/orchestrator/internal/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory) can be swapped without touching orchestration
	// code. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Must be called during service initialization, before starting
		// workers. Returns an error if the name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition with the engine.
		// Activities are the short-lived, side-effecting steps invoked from
		// a workflow (tool calls, agent RPCs, lock acquisition).
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique for the
		// engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic: the
	// same inputs and activity results must produce the same execution
	// sequence, since Temporal-backed engines replay it from history.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers.
	//
	// Determinism: operations that interact with the engine (ExecuteActivity,
	// SignalChannel, Now) must be replay-safe. Direct I/O, random number
	// generation, or wall-clock access inside a workflow function breaks
	// Temporal-backed adapters.
	//
	// Thread-safety: bound to a single workflow execution, not shared across
	// goroutines.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Get. Enables running
		// independent steps (e.g. parallel tool calls) concurrently.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns a channel for the named signal (e.g. an
		// approval resolution or a cancellation request delivered
		// out-of-band from a suspended step).
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the current time in a replay-safe manner.
		Now() time.Time

		// Sleep blocks for d in a replay-safe manner (a Temporal timer on
		// durable engines), returning early with ctx's error if ctx is
		// cancelled first. Used for inter-attempt retry backoff.
		Sleep(ctx context.Context, d time.Duration) error
	}

	// Future represents a pending activity result.
	//
	// Thread-safety: bound to a single workflow execution. Calling Get
	// multiple times is safe and returns the same result/error each time.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike workflow
	// functions, activities may perform side effects (I/O, RPCs, DB access).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior for an
	// activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		// Timeout bounds each attempt, not the total across retries. The
		// Temporal adapter uses one minute when it is zero; the in-memory
		// adapter does not enforce it.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier; must be unique within the engine.
		// Task orchestrations use the task ID.
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity from
	// a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result with
		// its return value.
		Wait(ctx context.Context, result any) error
		// Signal sends an asynchronous message the workflow can read from
		// its SignalChannel.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation; in-flight activities may be
		// cancelled depending on the engine.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal arrives and decodes it into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, reporting whether a
		// value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
