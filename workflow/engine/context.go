package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a Go context passed to an
// activity, so activity code can retrieve the originating workflow context
// when it needs to (nested tool invocation, correlation logging).
type wfCtxKey struct{}

// activityCtxKey marks a context as originating from an activity
// invocation, distinguishing it from a true workflow context.
type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf. Engine adapters
// use this when invoking activity handlers.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext returns a child context marked as an activity
// invocation context.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx originates from an activity
// invocation.
func IsActivityContext(ctx context.Context) bool {
	v := ctx.Value(activityCtxKey{})
	b, ok := v.(bool)
	return ok && b
}

// WorkflowContextFromContext extracts a WorkflowContext from ctx, or nil if
// none was attached via WithWorkflowContext.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
