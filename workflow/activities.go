package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/eventstore"
	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/lock"
	"github.com/taskorch/orchestrator/statestore"
	"github.com/taskorch/orchestrator/workflow/engine"
)

// Activity names registered with the engine by RegisterActivities.
const (
	activityExecuteAgentNode    = "taskorch.ExecuteAgentNode"
	activityExecuteDecisionNode = "taskorch.ExecuteDecisionNode"
	activityCreateApproval      = "taskorch.CreateApproval"
	activityAcquireLocks        = "taskorch.AcquireLocks"
	activityReleaseLocks        = "taskorch.ReleaseLocks"
	activityPersistCheckpoint   = "taskorch.PersistCheckpoint"
)

type (
	agentActivityInput struct {
		AgentName string
		ToolTags  []string
		State     map[string]any
		Insights  []Insight
	}

	decisionActivityInput struct {
		Rule  string
		State map[string]any
	}

	decisionActivityOutput struct {
		Label string
	}

	approvalActivityInput struct {
		WorkflowID string
		StepID     string
		RiskLevel  string
		Summary    string
		TTL        time.Duration
	}

	approvalActivityOutput struct {
		RequestID string
	}

	lockActivityInput struct {
		ResourceIDs []string
		Owner       string
	}

	lockActivityOutput struct {
		Conflicted string
	}

	checkpointInput struct {
		Status          string
		ExecutionState  ExecutionState
		ExpectedVersion int64
	}

	checkpointOutput struct {
		Version int64
	}
)

// activityDefinitions returns every activity the node executors dispatch,
// bound to o.deps.
func (o *Orchestrator) activityDefinitions() []engine.ActivityDefinition {
	return []engine.ActivityDefinition{
		{Name: activityExecuteAgentNode, Handler: o.activityExecuteAgentNode},
		{Name: activityExecuteDecisionNode, Handler: o.activityExecuteDecisionNode},
		{Name: activityCreateApproval, Handler: o.activityCreateApproval},
		{Name: activityAcquireLocks, Handler: o.activityAcquireLocks},
		{Name: activityReleaseLocks, Handler: o.activityReleaseLocks},
		{Name: activityPersistCheckpoint, Handler: o.activityPersistCheckpoint},
	}
}

func (o *Orchestrator) activityExecuteAgentNode(ctx context.Context, input any) (any, error) {
	in, ok := input.(agentActivityInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityExecuteAgentNode)
	}
	return o.deps.Agents.Invoke(ctx, AgentInvocation{
		AgentName: in.AgentName,
		ToolTags:  in.ToolTags,
		State:     in.State,
		Insights:  in.Insights,
	})
}

func (o *Orchestrator) activityExecuteDecisionNode(ctx context.Context, input any) (any, error) {
	in, ok := input.(decisionActivityInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityExecuteDecisionNode)
	}
	label, err := o.deps.Decisions.Decide(ctx, DecisionRequest{Rule: in.Rule, State: in.State})
	if err != nil {
		return nil, err
	}
	return decisionActivityOutput{Label: label}, nil
}

func (o *Orchestrator) activityCreateApproval(ctx context.Context, input any) (any, error) {
	in, ok := input.(approvalActivityInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityCreateApproval)
	}
	var expiresAt time.Time
	if in.TTL > 0 {
		expiresAt = time.Now().Add(in.TTL)
	}
	req, err := o.deps.Approvals.Create(ctx, hitl.Request{
		ID:         uuid.NewString(),
		WorkflowID: in.WorkflowID,
		StepID:     in.StepID,
		RiskLevel:  in.RiskLevel,
		Summary:    in.Summary,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return approvalActivityOutput{RequestID: req.ID}, nil
}

func (o *Orchestrator) activityAcquireLocks(ctx context.Context, input any) (any, error) {
	in, ok := input.(lockActivityInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityAcquireLocks)
	}
	conflicted, err := o.deps.Locks.AcquireOrdered(ctx, lock.OrderResourceIDs(in.ResourceIDs), in.Owner, lockTTL, true, lockWaitTimeout)
	if err != nil {
		return nil, err
	}
	if conflicted != "" {
		return nil, fmt.Errorf("workflow: lock %q: %w", conflicted, lock.ErrLockConflict)
	}
	return lockActivityOutput{}, nil
}

func (o *Orchestrator) activityReleaseLocks(ctx context.Context, input any) (any, error) {
	in, ok := input.(lockActivityInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityReleaseLocks)
	}
	if err := o.deps.Locks.ReleaseAll(ctx, in.ResourceIDs, in.Owner); err != nil {
		return nil, err
	}
	return lockActivityOutput{}, nil
}

func (o *Orchestrator) activityPersistCheckpoint(ctx context.Context, input any) (any, error) {
	in, ok := input.(checkpointInput)
	if !ok {
		return nil, fmt.Errorf("workflow: %s: invalid input", activityPersistCheckpoint)
	}

	payload, err := json.Marshal(in.ExecutionState)
	if err != nil {
		return nil, err
	}
	event := &eventstore.Event{
		EventID:    fmt.Sprintf("%s:%s:%d", in.ExecutionState.WorkflowID, in.Status, in.ExpectedVersion),
		WorkflowID: in.ExecutionState.WorkflowID,
		Action:     "workflow." + in.Status,
		Payload:    payload,
		Actor:      "orchestrator",
		Timestamp:  time.Now(),
	}
	appended, err := o.deps.Events.Append(ctx, event)
	if err != nil {
		return nil, err
	}

	err = o.deps.States.Put(ctx, statestore.WorkflowState{
		WorkflowID:  in.ExecutionState.WorkflowID,
		Status:      in.Status,
		CurrentStep: in.ExecutionState.CurrentNode,
		State:       payload,
		Version:     appended.Seq,
		UpdatedAt:   appended.Timestamp,
	}, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	return checkpointOutput{Version: appended.Seq}, nil
}

// lockTTL and lockWaitTimeout bound node-level lock acquisition; a node
// holding a lock past lockTTL loses it to expiry, so node timeouts should
// stay well under this.
const (
	lockTTL         = 5 * time.Minute
	lockWaitTimeout = 30 * time.Second
)
