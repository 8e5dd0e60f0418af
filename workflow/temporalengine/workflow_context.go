package temporalengine

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/workflow/engine"
)

type (
	workflowContext struct {
		eng        *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
	}

	temporalFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	temporalSignalChan struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}
)

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &workflowContext{
		eng:        e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
	}
	e.workflowContexts.Store(wfCtx.runID, wfCtx)
	return wfCtx
}

// normalizeTemporalError maps Temporal's cancellation error type onto
// context.Canceled so callers can classify cancellation the same way
// regardless of engine backend.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }
func (w *workflowContext) RunID() string      { return w.runID }

func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.tracer }
func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

// Sleep blocks using a Temporal timer, which is replay-safe and honors
// workflow cancellation.
func (w *workflowContext) Sleep(_ context.Context, d time.Duration) error {
	if err := workflow.Sleep(w.ctx, d); err != nil {
		return normalizeTemporalError(err)
	}
	return nil
}

func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(context.Background(), req)
	if err != nil {
		return err
	}
	return fut.Get(context.Background(), result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req.Name, req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *workflowContext) activityOptionsFor(name string, req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := w.eng.activityDefaultsFor(name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.eng.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, req.RetryPolicy)

	return workflow.ActivityOptions{
		// Bound queue wait time the same as execution time: without
		// ScheduleToStartTimeout a workflow can block until its run timeout
		// when no worker is available for the queue.
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	ch := workflow.GetSignalChannel(w.ctx, name)
	return &temporalSignalChan{ctx: w.ctx, ch: ch}
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	if err := f.future.Get(f.ctx, result); err != nil {
		return normalizeTemporalError(err)
	}
	return nil
}

func (f *temporalFuture) IsReady() bool {
	return f.future.IsReady()
}

func (s *temporalSignalChan) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *temporalSignalChan) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
