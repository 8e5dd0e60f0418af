package workflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	eventstoreinmem "github.com/taskorch/orchestrator/eventstore/inmem"
	hitlpkg "github.com/taskorch/orchestrator/hitl"
	hitlinmem "github.com/taskorch/orchestrator/hitl/inmem"
	lockinmem "github.com/taskorch/orchestrator/lock/inmem"
	statestoreinmem "github.com/taskorch/orchestrator/statestore/inmem"
	"github.com/taskorch/orchestrator/workflow"
	"github.com/taskorch/orchestrator/workflow/inmemengine"
)

type fakeInvoker struct {
	invoke func(ctx context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
	return f.invoke(ctx, in)
}

type fakeDecider struct {
	decide func(ctx context.Context, req workflow.DecisionRequest) (string, error)
}

func (f *fakeDecider) Decide(ctx context.Context, req workflow.DecisionRequest) (string, error) {
	return f.decide(ctx, req)
}

// lateBoundNotifier exists because hitl.Manager and workflow.Orchestrator
// each need a handle to the other: the Manager needs a Notifier to call
// back into the Orchestrator, but the Orchestrator's Dependencies need the
// Manager up front. orch is set once the Orchestrator is constructed.
type lateBoundNotifier struct {
	orch *workflow.Orchestrator
}

func (n *lateBoundNotifier) NotifyResolved(ctx context.Context, req hitlpkg.Request) error {
	return n.orch.ResumeApproval(ctx, req)
}

func newHarness(t *testing.T, agents workflow.AgentInvoker, decisions workflow.DecisionMaker) (*workflow.Orchestrator, *hitlpkg.Manager, *hitlinmem.Store) {
	t.Helper()
	eng := inmemengine.New()
	store := hitlinmem.New()
	notifier := &lateBoundNotifier{}
	manager := hitlpkg.New(store, notifier, nil)

	deps := workflow.Dependencies{
		Agents:               agents,
		Decisions:            decisions,
		Approvals:            manager,
		Locks:                lockinmem.New(),
		Events:               eventstoreinmem.New(),
		States:               statestoreinmem.New(),
		ApprovalPollInterval: 10 * time.Millisecond,
	}
	orch := workflow.New(eng, deps)
	notifier.orch = orch

	if err := orch.RegisterActivities(context.Background()); err != nil {
		t.Fatalf("RegisterActivities: %v", err)
	}
	return orch, manager, store
}

func waitForPending(t *testing.T, store *hitlinmem.Store) hitlpkg.Request {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		list, err := store.ListPending(context.Background())
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(list) == 1 {
			return list[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a pending approval request")
	return hitlpkg.Request{}
}

func TestRunTaskWorkflow_LinearAgentNodesComplete(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			switch in.AgentName {
			case "collector":
				return workflow.AgentResult{StateDelta: map[string]any{"collected": true}}, nil
			case "summarizer":
				return workflow.AgentResult{StateDelta: map[string]any{"summary": "done"}, End: true}, nil
			default:
				return workflow.AgentResult{}, fmt.Errorf("unexpected agent %q", in.AgentName)
			}
		},
	}
	orch, _, _ := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "linear",
		EntryNode: "collect",
		Nodes: map[string]workflow.Node{
			"collect":   {ID: "collect", Kind: workflow.NodeAgent, AgentName: "collector", Next: "summarize"},
			"summarize": {ID: "summarize", Kind: workflow.NodeAgent, AgentName: "summarizer"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-linear-1", "linear", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	var result map[string]any
	if err := h.Wait(context.Background(), &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result["summary"] != "done" {
		t.Fatalf("expected summary to be folded into final state, got %#v", result)
	}
}

func TestRunTaskWorkflow_DecisionNodeRoutesOnLabel(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			return workflow.AgentResult{StateDelta: map[string]any{"visited": in.AgentName}, End: true}, nil
		},
	}
	decisions := &fakeDecider{
		decide: func(_ context.Context, req workflow.DecisionRequest) (string, error) {
			return "escalate", nil
		},
	}
	orch, _, _ := newHarness(t, agents, decisions)

	tmpl := workflow.Template{
		Name:      "routed",
		EntryNode: "route",
		Nodes: map[string]workflow.Node{
			"route": {
				ID:           "route",
				Kind:         workflow.NodeDecision,
				DecisionRule: "risk-gate",
				Routes: workflow.EdgeTable{
					Edges:   map[string]string{"escalate": "handle_escalation"},
					Default: "handle_default",
				},
			},
			"handle_escalation": {ID: "handle_escalation", Kind: workflow.NodeAgent, AgentName: "escalation-agent"},
			"handle_default":    {ID: "handle_default", Kind: workflow.NodeAgent, AgentName: "default-agent"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-routed-1", "routed", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	var result map[string]any
	if err := h.Wait(context.Background(), &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result["visited"] != "escalation-agent" {
		t.Fatalf("expected escalation route to be taken, got %#v", result)
	}
}

func TestRunTaskWorkflow_DecisionNodeFailsOnUnmatchedLabelWithNoDefault(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			return workflow.AgentResult{End: true}, nil
		},
	}
	decisions := &fakeDecider{
		decide: func(_ context.Context, _ workflow.DecisionRequest) (string, error) {
			return "unknown-label", nil
		},
	}
	orch, _, _ := newHarness(t, agents, decisions)

	tmpl := workflow.Template{
		Name:      "no-default",
		EntryNode: "route",
		Nodes: map[string]workflow.Node{
			"route": {
				ID:           "route",
				Kind:         workflow.NodeDecision,
				DecisionRule: "risk-gate",
				Routes:       workflow.EdgeTable{Edges: map[string]string{"ok": "done"}},
			},
			"done": {ID: "done", Kind: workflow.NodeAgent, AgentName: "noop"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-no-default-1", "no-default", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := h.Wait(context.Background(), nil); err == nil {
		t.Fatal("expected routing failure for unmatched label with no default edge")
	}
}

func TestRunTaskWorkflow_ApprovalSuspendsAndResumesOnApprove(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			return workflow.AgentResult{StateDelta: map[string]any{"final": true}, End: true}, nil
		},
	}
	orch, manager, store := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "approval-flow",
		EntryNode: "gate",
		Nodes: map[string]workflow.Node{
			"gate": {
				ID:                "gate",
				Kind:              workflow.NodeApproval,
				ApprovalSummary:   "delete the production index",
				ApprovalRiskLevel: "high",
				Next:              "finish",
			},
			"finish": {ID: "finish", Kind: workflow.NodeAgent, AgentName: "finisher"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-approval-1", "approval-flow", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	pending := waitForPending(t, store)

	if _, err := manager.Approve(context.Background(), pending.ID, "alice", "on-call"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	var result map[string]any
	if err := h.Wait(context.Background(), &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result["final"] != true {
		t.Fatalf("expected workflow to resume and complete, got %#v", result)
	}
}

func TestRunTaskWorkflow_ApprovalFailsOnReject(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			return workflow.AgentResult{End: true}, nil
		},
	}
	orch, manager, store := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "approval-reject",
		EntryNode: "gate",
		Nodes: map[string]workflow.Node{
			"gate": {
				ID:              "gate",
				Kind:            workflow.NodeApproval,
				ApprovalSummary: "wipe the cache",
				Next:            "finish",
			},
			"finish": {ID: "finish", Kind: workflow.NodeAgent, AgentName: "finisher"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-approval-reject-1", "approval-reject", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	pending := waitForPending(t, store)

	if _, err := manager.Reject(context.Background(), pending.ID, "alice", "on-call", "too risky"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if err := h.Wait(context.Background(), nil); err == nil {
		t.Fatal("expected workflow to fail after rejection")
	}
}

func TestRunTaskWorkflow_RollbackOnNodeFailure(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			switch in.AgentName {
			case "risky":
				return workflow.AgentResult{}, fmt.Errorf("boom")
			case "undo":
				return workflow.AgentResult{StateDelta: map[string]any{"rolled_back": true}}, nil
			default:
				return workflow.AgentResult{}, fmt.Errorf("unexpected agent %q", in.AgentName)
			}
		},
	}
	orch, _, _ := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "rollback-flow",
		EntryNode: "risky",
		Nodes: map[string]workflow.Node{
			"risky": {ID: "risky", Kind: workflow.NodeAgent, AgentName: "risky", RollbackStep: "undo"},
			"undo":  {ID: "undo", Kind: workflow.NodeAgent, AgentName: "undo"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-rollback-1", "rollback-flow", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := h.Wait(context.Background(), nil); err == nil {
		t.Fatal("expected node failure to surface as a workflow error even after rollback")
	}
}

func TestRunTaskWorkflow_LockedNodeAcquiresAndReleases(t *testing.T) {
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			return workflow.AgentResult{StateDelta: map[string]any{"ok": true}, End: true}, nil
		},
	}
	orch, _, _ := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "locked-flow",
		EntryNode: "writer",
		Nodes: map[string]workflow.Node{
			"writer": {ID: "writer", Kind: workflow.NodeAgent, AgentName: "writer", Needs: []string{"ledger:acct-1"}},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-lock-1", "locked-flow", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	var result map[string]any
	if err := h.Wait(context.Background(), &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("expected locked node to complete, got %#v", result)
	}

	// A second workflow needing the same resource must also complete,
	// proving the first run released its lock.
	h2, err := orch.StartTask(context.Background(), "wf-lock-2", "locked-flow", nil)
	if err != nil {
		t.Fatalf("StartTask (second): %v", err)
	}
	if err := h2.Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait (second): %v", err)
	}
}

func TestRunTaskWorkflow_CancelBetweenNodesSkipsTheNextNode(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var secondNodeDispatched bool
	agents := &fakeInvoker{
		invoke: func(_ context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
			if in.AgentName == "gate" {
				close(started)
				<-release
				return workflow.AgentResult{}, nil
			}
			secondNodeDispatched = true
			return workflow.AgentResult{End: true}, nil
		},
	}
	orch, _, _ := newHarness(t, agents, nil)

	tmpl := workflow.Template{
		Name:      "cancel-flow",
		EntryNode: "gate",
		Nodes: map[string]workflow.Node{
			"gate": {ID: "gate", Kind: workflow.NodeAgent, AgentName: "gate", Next: "next"},
			"next": {ID: "next", Kind: workflow.NodeAgent, AgentName: "next"},
		},
	}
	if err := orch.RegisterTemplate(tmpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	h, err := orch.StartTask(context.Background(), "wf-cancel-1", "cancel-flow", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	<-started
	if err := orch.Cancel(context.Background(), "wf-cancel-1", "operator requested stop", "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	if err := h.Wait(context.Background(), nil); err == nil {
		t.Fatal("expected cancelled workflow to return an error")
	}
	if secondNodeDispatched {
		t.Fatal("expected the cancel signal observed at the node boundary to prevent dispatching the next node")
	}
}
