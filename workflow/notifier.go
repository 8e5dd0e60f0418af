package workflow

import (
	"context"

	"github.com/taskorch/orchestrator/hitl"
)

// hitlNotifier adapts a resolved hitl.Request back into a workflow signal,
// so hitl.Manager can deliver resolutions without knowing about workflows.
type hitlNotifier struct {
	orch *Orchestrator
}

// NewApprovalNotifier returns a hitl.Notifier that resumes the workflow
// awaiting req via Orchestrator.ResumeApproval. Pass it to hitl.New so
// Approve/Reject/Cancel/expiry all resume the suspended workflow the same
// way. Only usable when an Orchestrator already exists; hitl.Manager and
// Orchestrator are normally constructed together (see LateBoundNotifier),
// since hitl.New needs a Notifier before an Orchestrator can exist to hand
// one to it.
func NewApprovalNotifier(o *Orchestrator) hitl.Notifier {
	return &hitlNotifier{orch: o}
}

func (n *hitlNotifier) NotifyResolved(ctx context.Context, req hitl.Request) error {
	return n.orch.ResumeApproval(ctx, req)
}

// LateBoundNotifier breaks the hitl.Manager/Orchestrator construction
// cycle: hitl.New requires a Notifier argument, but the Orchestrator that
// Notifier must resume doesn't exist until after hitl.Manager is built
// (Dependencies.Approvals needs the Manager). Construct one, pass it to
// hitl.New, build the Orchestrator, then call Bind with it before serving
// any traffic.
type LateBoundNotifier struct {
	orch *Orchestrator
}

// NewLateBoundNotifier returns an unbound LateBoundNotifier. NotifyResolved
// panics if called before Bind.
func NewLateBoundNotifier() *LateBoundNotifier {
	return &LateBoundNotifier{}
}

// Bind attaches the Orchestrator this notifier resumes. Call once, before
// the Manager it was handed to can receive any resolution.
func (n *LateBoundNotifier) Bind(o *Orchestrator) {
	n.orch = o
}

func (n *LateBoundNotifier) NotifyResolved(ctx context.Context, req hitl.Request) error {
	if n.orch == nil {
		panic("workflow: LateBoundNotifier.NotifyResolved called before Bind")
	}
	return n.orch.ResumeApproval(ctx, req)
}
