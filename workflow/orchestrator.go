package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskorch/orchestrator/eventstore"
	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/lock"
	"github.com/taskorch/orchestrator/statestore"
	"github.com/taskorch/orchestrator/workflow/engine"
)

const taskWorkflowName = "taskorch.TaskWorkflow"

// defaultApprovalPollInterval is how often a suspended workflow wakes to
// check for an approval resolution or a cancel signal. On Temporal this
// wakeup is a pure timer: the workflow holds no worker slot between polls,
// so a coarse interval does not cost scheduler capacity.
const defaultApprovalPollInterval = 30 * time.Second

type (
	// AgentInvocation is the input to a single agent node dispatch.
	AgentInvocation struct {
		AgentName string
		ToolTags  []string
		State     map[string]any
		Insights  []Insight
	}

	// AgentResult is what an agent node invocation returns. NextEdge
	// overrides the node's static Next when an agent is allowed to choose
	// its own successor; leave empty to use the template's Next.
	AgentResult struct {
		StateDelta map[string]any
		NextEdge   string
		End        bool
		// Insight is free text captured for re-injection into later agent
		// nodes if the workflow is later interrupted and resumed.
		Insight string
	}

	// AgentInvoker dispatches a named agent. Implementations typically wrap
	// the Agent RPC client.
	AgentInvoker interface {
		Invoke(ctx context.Context, in AgentInvocation) (AgentResult, error)
	}

	// DecisionRequest is the input to a decision node evaluation.
	DecisionRequest struct {
		Rule  string
		State map[string]any
	}

	// DecisionMaker evaluates a decision node's rule (an LLM call or a pure
	// rule function) and returns the edge label to route on.
	DecisionMaker interface {
		Decide(ctx context.Context, req DecisionRequest) (label string, err error)
	}

	// CancelNotifier best-effort informs in-flight agents that a workflow
	// was cancelled so they can abort their own work.
	CancelNotifier interface {
		NotifyCancel(ctx context.Context, workflowID, reason string) error
	}

	// Signaler is implemented by engines (e.g. temporalengine.Engine) that
	// can deliver a signal to a workflow by ID alone, without an
	// in-process WorkflowHandle. Orchestrator uses it when available so
	// approval resolution and cancellation work across process restarts;
	// it falls back to a local handle registry otherwise (sufficient for
	// inmemengine and tests).
	Signaler interface {
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// Dependencies are the external collaborators node execution calls
	// into. All are required except CancelNotifier.
	Dependencies struct {
		Agents         AgentInvoker
		Decisions      DecisionMaker
		Approvals      *hitl.Manager
		Locks          lock.Manager
		Events         eventstore.Store
		States         statestore.Store
		CancelNotifier CancelNotifier
		// ApprovalPollInterval overrides defaultApprovalPollInterval.
		ApprovalPollInterval time.Duration
	}

	// Orchestrator is the Workflow Engine: it registers one generic
	// workflow definition and a fixed set of activities with an
	// engine.Engine, and drives node traversal for every registered
	// Template.
	Orchestrator struct {
		eng   engine.Engine
		deps  Dependencies
		mu    sync.RWMutex
		tmpls map[string]Template

		handles sync.Map // workflowID -> engine.WorkflowHandle, for engines without Signaler
	}
)

// New returns an Orchestrator driving eng with deps. Call RegisterTemplate
// for every workflow template, then RegisterActivities once before starting
// any task.
func New(eng engine.Engine, deps Dependencies) *Orchestrator {
	if deps.ApprovalPollInterval <= 0 {
		deps.ApprovalPollInterval = defaultApprovalPollInterval
	}
	return &Orchestrator{eng: eng, deps: deps, tmpls: make(map[string]Template)}
}

// RegisterTemplate makes tmpl available to StartTask by name.
func (o *Orchestrator) RegisterTemplate(tmpl Template) error {
	if tmpl.Name == "" {
		return errors.New("workflow: template name is required")
	}
	if _, ok := tmpl.Node(tmpl.EntryNode); !ok {
		return fmt.Errorf("workflow: template %q: entry node %q not found", tmpl.Name, tmpl.EntryNode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tmpls[tmpl.Name] = tmpl
	return nil
}

// Template returns the registered template by name, for callers (e.g. the
// Task Intake API) that need to describe a workflow's shape without
// starting it.
func (o *Orchestrator) Template(name string) (Template, error) {
	return o.template(name)
}

func (o *Orchestrator) template(name string) (Template, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tmpls[name]
	if !ok {
		return Template{}, fmt.Errorf("workflow: template %q is not registered", name)
	}
	return t, nil
}

// RegisterActivities registers the workflow definition and every activity
// the node executors dispatch. Call once during server startup, before
// Worker().Start() on a Temporal-backed engine.
func (o *Orchestrator) RegisterActivities(ctx context.Context) error {
	if err := o.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    taskWorkflowName,
		Handler: o.runTaskWorkflow,
	}); err != nil {
		return err
	}
	for _, def := range o.activityDefinitions() {
		if err := o.eng.RegisterActivity(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// StartTask starts a new task workflow execution for templateName,
// identified by workflowID.
func (o *Orchestrator) StartTask(ctx context.Context, workflowID, templateName string, initialState map[string]any) (engine.WorkflowHandle, error) {
	if _, err := o.template(templateName); err != nil {
		return nil, err
	}
	h, err := o.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       workflowID,
		Workflow: taskWorkflowName,
		Input: TaskInput{
			WorkflowID:   workflowID,
			TemplateName: templateName,
			InitialState: initialState,
		},
	})
	if err != nil {
		return nil, err
	}
	o.handles.Store(workflowID, h)
	return h, nil
}

// ResumeApproval delivers a resolved approval request to the suspended
// workflow awaiting it.
func (o *Orchestrator) ResumeApproval(ctx context.Context, req hitl.Request) error {
	return o.signal(ctx, req.WorkflowID, hitl.SignalApprovalResolved, req)
}

// Cancel requests cancellation of workflowID. The running workflow observes
// this at its next node boundary (or immediately if currently suspended on
// an approval) and transitions to cancelled, releasing any held locks and
// cancelling any pending approval.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason, by string) error {
	return o.signal(ctx, workflowID, SignalCancel, CancelSignal{Reason: reason, By: by})
}

func (o *Orchestrator) signal(ctx context.Context, workflowID, name string, payload any) error {
	if s, ok := o.eng.(Signaler); ok {
		return s.SignalByID(ctx, workflowID, "", name, payload)
	}
	v, ok := o.handles.Load(workflowID)
	if !ok {
		return fmt.Errorf("workflow: no handle for %q and engine does not support signal-by-id", workflowID)
	}
	return v.(engine.WorkflowHandle).Signal(ctx, name, payload)
}

// runTaskWorkflow is the single generic workflow entry point registered
// with the engine; it is deterministic given the same TaskInput and
// activity results, and is the only place that walks a Template's node
// graph.
func (o *Orchestrator) runTaskWorkflow(wfCtx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(TaskInput)
	if !ok {
		return nil, errors.New("workflow: invalid task input")
	}
	tmpl, err := o.template(in.TemplateName)
	if err != nil {
		return nil, err
	}

	state := ExecutionState{
		WorkflowID:   in.WorkflowID,
		TemplateName: in.TemplateName,
		CurrentNode:  tmpl.EntryNode,
		State:        in.InitialState,
	}
	if state.State == nil {
		state.State = map[string]any{}
	}
	var version int64

	persist := func(status string) {
		version = o.checkpoint(wfCtx, tmpl, status, &state, version)
	}
	persist(StatusRunning)

	for {
		var cancelled CancelSignal
		if wfCtx.SignalChannel(SignalCancel).ReceiveAsync(&cancelled) {
			return o.handleCancel(wfCtx, tmpl, &state, version, cancelled)
		}

		node, ok := tmpl.Node(state.CurrentNode)
		if !ok {
			persist(StatusFailed)
			return nil, fmt.Errorf("workflow: node %q not found in template %q", state.CurrentNode, tmpl.Name)
		}

		outcome, err := o.executeNodeWithLocks(wfCtx, tmpl, node, &state)
		if err != nil {
			return o.handleNodeFailure(wfCtx, tmpl, node, &state, version, err)
		}

		for k, v := range outcome.StateDelta {
			state.State[k] = v
		}

		if outcome.Interrupt {
			persist(StatusSuspended)
			var resolved hitl.Request
			cancelledWhileSuspended, waitErr := o.waitForApproval(wfCtx, &resolved)
			if waitErr != nil {
				persist(StatusFailed)
				return nil, waitErr
			}
			if cancelledWhileSuspended != nil {
				return o.handleCancel(wfCtx, tmpl, &state, version, *cancelledWhileSuspended)
			}
			state.PendingApprovalID = ""
			switch resolved.Status {
			case hitl.StatusApproved:
				state.CurrentNode = node.Next
				persist(StatusRunning)
				continue
			default:
				persist(StatusFailed)
				return nil, fmt.Errorf("workflow: approval %s: %s", resolved.Status, resolved.Reason)
			}
		}

		if outcome.End {
			persist(StatusCompleted)
			return state.State, nil
		}

		state.CurrentNode = outcome.NextEdge
		persist(StatusRunning)
	}
}

// waitForApproval polls the approval-resolved and cancel signal channels
// until one arrives. See defaultApprovalPollInterval for why polling is an
// acceptable, replay-safe substitute for a true multiplexed select given
// this package's minimal SignalChannel abstraction (engine.SignalChannel
// has no cross-channel Select primitive, unlike workflow.Selector on
// Temporal directly).
func (o *Orchestrator) waitForApproval(wfCtx engine.WorkflowContext, dest *hitl.Request) (*CancelSignal, error) {
	approvalCh := wfCtx.SignalChannel(hitl.SignalApprovalResolved)
	cancelCh := wfCtx.SignalChannel(SignalCancel)
	for {
		if approvalCh.ReceiveAsync(dest) {
			return nil, nil
		}
		var cancelled CancelSignal
		if cancelCh.ReceiveAsync(&cancelled) {
			return &cancelled, nil
		}
		if err := wfCtx.Sleep(wfCtx.Context(), o.deps.ApprovalPollInterval); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) handleNodeFailure(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState, version int64, nodeErr error) (any, error) {
	if node.RollbackStep == "" {
		version = o.checkpoint(wfCtx, tmpl, StatusFailed, state, version)
		_ = version
		return nil, nodeErr
	}
	rollbackNode, ok := tmpl.Node(node.RollbackStep)
	if !ok {
		version = o.checkpoint(wfCtx, tmpl, StatusFailed, state, version)
		_ = version
		return nil, fmt.Errorf("workflow: rollback step %q not found: %w", node.RollbackStep, nodeErr)
	}
	knownGood := state.Clone()
	if _, err := o.executeNodeWithLocks(wfCtx, tmpl, rollbackNode, &knownGood); err != nil {
		version = o.checkpoint(wfCtx, tmpl, StatusFailed, state, version)
		_ = version
		return nil, fmt.Errorf("workflow: rollback for node %q failed: %w (original error: %v)", node.ID, err, nodeErr)
	}
	version = o.checkpoint(wfCtx, tmpl, StatusRolledBack, state, version)
	_ = version
	return nil, fmt.Errorf("workflow: node %q failed and was rolled back: %w", node.ID, nodeErr)
}

func (o *Orchestrator) handleCancel(wfCtx engine.WorkflowContext, tmpl Template, state *ExecutionState, version int64, sig CancelSignal) (any, error) {
	ctx := wfCtx.Context()
	node, hasNode := tmpl.Node(state.CurrentNode)
	if hasNode && len(node.Needs) > 0 {
		_ = o.releaseLocks(wfCtx, node.Needs, state.WorkflowID)
	}
	if state.PendingApprovalID != "" {
		_, _ = o.deps.Approvals.Cancel(ctx, state.PendingApprovalID, sig.Reason)
	}
	if o.deps.CancelNotifier != nil {
		_ = o.deps.CancelNotifier.NotifyCancel(ctx, state.WorkflowID, sig.Reason)
	}
	version = o.checkpoint(wfCtx, tmpl, StatusCancelled, state, version)
	_ = version
	return nil, fmt.Errorf("workflow: cancelled: %s", sig.Reason)
}

// checkpoint persists the folded state to the Event Store and State Store
// write-through, returning the new version (the appended event's Seq).
func (o *Orchestrator) checkpoint(wfCtx engine.WorkflowContext, tmpl Template, status string, state *ExecutionState, expectedVersion int64) int64 {
	var out checkpointOutput
	in := checkpointInput{
		Status:          status,
		ExecutionState:  *state,
		ExpectedVersion: expectedVersion,
	}
	if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityPersistCheckpoint,
		Input:       in,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2},
	}, &out); err != nil {
		wfCtx.Logger().Error(wfCtx.Context(), "workflow: checkpoint failed", "workflow_id", state.WorkflowID, "status", status, "err", err)
		return expectedVersion
	}
	return out.Version
}
