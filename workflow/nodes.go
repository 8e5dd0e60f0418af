package workflow

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/taskorch/orchestrator/workflow/engine"
)

// ClassifiedError tags err with a retry class so node-level RetryPolicy can
// decide whether to retry. Activity handlers wrap errors this way when the
// error class matters (timeouts, authorization failures); an unwrapped
// error defaults to ErrClassInternal, which is not retried unless a
// RetryPolicy explicitly lists it.
type ClassifiedError struct {
	Class string
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrClassInternal
}

// executeNodeWithLocks acquires node.Needs in lexicographic order before
// dispatch and releases them on every exit path (success, failure, or
// interrupt), per the resource-lock contract.
func (o *Orchestrator) executeNodeWithLocks(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState) (NodeOutcome, error) {
	owner := state.WorkflowID
	if len(node.Needs) > 0 {
		if err := o.acquireLocks(wfCtx, node.Needs, owner); err != nil {
			return NodeOutcome{ErrClass: ErrClassTimeout}, fmt.Errorf("workflow: node %q: acquire locks: %w", node.ID, err)
		}
		defer o.releaseLocks(wfCtx, node.Needs, owner)
	}
	return o.executeNodeWithRetry(wfCtx, tmpl, node, state)
}

// executeNodeWithRetry runs node to completion, retrying per node.Retry
// when the returned error's class is retryable.
func (o *Orchestrator) executeNodeWithRetry(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState) (NodeOutcome, error) {
	maxAttempts := node.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err := o.executeNode(wfCtx, tmpl, node, state)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if attempt == maxAttempts || !node.Retry.Retryable(outcome.ErrClass) {
			return outcome, err
		}
		if delay := backoffDelay(node.Retry.Backoff, attempt); delay > 0 {
			if sleepErr := wfCtx.Sleep(wfCtx.Context(), delay); sleepErr != nil {
				return outcome, sleepErr
			}
		}
	}
	return NodeOutcome{}, lastErr
}

func backoffDelay(b Backoff, attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base << uint(attempt-1)
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		jitter := time.Duration(float64(d) * b.Jitter * rand.Float64())
		d += jitter
	}
	return d
}

func (o *Orchestrator) executeNode(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState) (NodeOutcome, error) {
	switch node.Kind {
	case NodeAgent:
		return o.executeAgentNode(wfCtx, node, state)
	case NodeDecision:
		return o.executeDecisionNode(wfCtx, node, state)
	case NodeApproval:
		return o.executeApprovalNode(wfCtx, node, state)
	case NodeParallel:
		return o.executeParallelNode(wfCtx, tmpl, node, state)
	case NodeMapReduce:
		return o.executeMapReduceNode(wfCtx, tmpl, node, state)
	default:
		return NodeOutcome{}, fmt.Errorf("workflow: node %q: unknown kind %q", node.ID, node.Kind)
	}
}

func (o *Orchestrator) executeAgentNode(wfCtx engine.WorkflowContext, node Node, state *ExecutionState) (NodeOutcome, error) {
	var out AgentResult
	in := agentActivityInput{
		AgentName: node.AgentName,
		ToolTags:  node.ToolTags,
		State:     state.State,
		Insights:  state.Insights,
	}
	if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityExecuteAgentNode,
		Input:       in,
		Timeout:     node.Timeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, &out); err != nil {
		return NodeOutcome{ErrClass: classify(err)}, err
	}
	next := node.Next
	if out.NextEdge != "" {
		next = out.NextEdge
	}
	if out.Insight != "" {
		state.Insights = append(state.Insights, Insight{NodeID: node.ID, Summary: out.Insight, CapturedAt: wfCtx.Now()})
	}
	return NodeOutcome{StateDelta: out.StateDelta, NextEdge: next, End: out.End}, nil
}

func (o *Orchestrator) executeDecisionNode(wfCtx engine.WorkflowContext, node Node, state *ExecutionState) (NodeOutcome, error) {
	var out decisionActivityOutput
	in := decisionActivityInput{Rule: node.DecisionRule, State: state.State}
	if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityExecuteDecisionNode,
		Input:       in,
		Timeout:     node.Timeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, &out); err != nil {
		return NodeOutcome{ErrClass: classify(err)}, err
	}
	next, ok := node.Routes.Edges[out.Label]
	if !ok {
		next = node.Routes.Default
	}
	if next == "" {
		return NodeOutcome{ErrClass: ErrClassValidation}, fmt.Errorf("workflow: decision node %q: no route for label %q", node.ID, out.Label)
	}
	return NodeOutcome{NextEdge: next}, nil
}

func (o *Orchestrator) executeApprovalNode(wfCtx engine.WorkflowContext, node Node, state *ExecutionState) (NodeOutcome, error) {
	var out approvalActivityOutput
	in := approvalActivityInput{
		WorkflowID: state.WorkflowID,
		StepID:     node.ID,
		RiskLevel:  node.ApprovalRiskLevel,
		Summary:    node.ApprovalSummary,
		TTL:        node.ApprovalTTL,
	}
	if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityCreateApproval,
		Input:       in,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, &out); err != nil {
		return NodeOutcome{ErrClass: classify(err)}, err
	}
	state.PendingApprovalID = out.RequestID
	return NodeOutcome{Interrupt: true}, nil
}

// executeParallelNode runs node.Children concurrently. Each child must name
// an agent node in the same template: the orchestrator fans the activity
// call out via ExecuteActivityAsync rather than starting true child
// workflows, since engine.Engine does not expose a child-workflow primitive
// (documented in DESIGN.md).
func (o *Orchestrator) executeParallelNode(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState) (NodeOutcome, error) {
	type pending struct {
		childID string
		fut     engine.Future
	}
	futures := make([]pending, 0, len(node.Children))
	for _, childID := range node.Children {
		child, ok := tmpl.Node(childID)
		if !ok || child.Kind != NodeAgent {
			return NodeOutcome{ErrClass: ErrClassValidation}, fmt.Errorf("workflow: parallel node %q: child %q must be an agent node", node.ID, childID)
		}
		in := agentActivityInput{AgentName: child.AgentName, ToolTags: child.ToolTags, State: state.State, Insights: state.Insights}
		fut, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{
			Name:        activityExecuteAgentNode,
			Input:       in,
			Timeout:     child.Timeout,
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
		})
		if err != nil {
			return NodeOutcome{ErrClass: classify(err)}, fmt.Errorf("workflow: parallel node %q: schedule %q: %w", node.ID, childID, err)
		}
		futures = append(futures, pending{childID: childID, fut: fut})
	}

	delta := map[string]any{}
	var firstErr error
	for _, p := range futures {
		var out AgentResult
		err := p.fut.Get(wfCtx.Context(), &out)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("workflow: parallel node %q: child %q: %w", node.ID, p.childID, err)
			}
			if node.Join != JoinAllComplete {
				return NodeOutcome{ErrClass: ErrClassInternal}, firstErr
			}
			continue
		}
		delta[p.childID] = out.StateDelta
	}
	if firstErr != nil && (node.Join == JoinFirstFailure || node.Join == "") {
		return NodeOutcome{ErrClass: ErrClassInternal}, firstErr
	}
	if firstErr != nil {
		return NodeOutcome{ErrClass: ErrClassInternal}, firstErr
	}
	return NodeOutcome{StateDelta: map[string]any{node.ID: delta}, NextEdge: node.Next}, nil
}

// executeMapReduceNode splits state[node.MapOverField] over node.ItemNode
// (an agent node invoked once per item) and folds the per-item results
// through node.ReduceNode (another agent node, receiving the collected
// results under "_map_results").
func (o *Orchestrator) executeMapReduceNode(wfCtx engine.WorkflowContext, tmpl Template, node Node, state *ExecutionState) (NodeOutcome, error) {
	itemNode, ok := tmpl.Node(node.ItemNode)
	if !ok || itemNode.Kind != NodeAgent {
		return NodeOutcome{ErrClass: ErrClassValidation}, fmt.Errorf("workflow: map_reduce node %q: item node %q must be an agent node", node.ID, node.ItemNode)
	}
	reduceNode, ok := tmpl.Node(node.ReduceNode)
	if !ok || reduceNode.Kind != NodeAgent {
		return NodeOutcome{ErrClass: ErrClassValidation}, fmt.Errorf("workflow: map_reduce node %q: reduce node %q must be an agent node", node.ID, node.ReduceNode)
	}
	items, ok := state.State[node.MapOverField].([]any)
	if !ok {
		return NodeOutcome{ErrClass: ErrClassValidation}, fmt.Errorf("workflow: map_reduce node %q: field %q is not a list", node.ID, node.MapOverField)
	}

	futures := make([]engine.Future, 0, len(items))
	for _, item := range items {
		itemState := make(map[string]any, len(state.State)+1)
		for k, v := range state.State {
			itemState[k] = v
		}
		itemState["_item"] = item
		in := agentActivityInput{AgentName: itemNode.AgentName, ToolTags: itemNode.ToolTags, State: itemState, Insights: state.Insights}
		fut, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{
			Name:        activityExecuteAgentNode,
			Input:       in,
			Timeout:     itemNode.Timeout,
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
		})
		if err != nil {
			return NodeOutcome{ErrClass: classify(err)}, fmt.Errorf("workflow: map_reduce node %q: schedule item: %w", node.ID, err)
		}
		futures = append(futures, fut)
	}

	results := make([]any, 0, len(futures))
	for _, fut := range futures {
		var out AgentResult
		if err := fut.Get(wfCtx.Context(), &out); err != nil {
			return NodeOutcome{ErrClass: ErrClassInternal}, fmt.Errorf("workflow: map_reduce node %q: item failed: %w", node.ID, err)
		}
		results = append(results, out.StateDelta)
	}

	reduceState := make(map[string]any, len(state.State)+1)
	for k, v := range state.State {
		reduceState[k] = v
	}
	reduceState["_map_results"] = results
	var reduceOut AgentResult
	if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityExecuteAgentNode,
		Input:       agentActivityInput{AgentName: reduceNode.AgentName, ToolTags: reduceNode.ToolTags, State: reduceState, Insights: state.Insights},
		Timeout:     reduceNode.Timeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, &reduceOut); err != nil {
		return NodeOutcome{ErrClass: classify(err)}, fmt.Errorf("workflow: map_reduce node %q: reduce failed: %w", node.ID, err)
	}

	next := node.Next
	if reduceOut.NextEdge != "" {
		next = reduceOut.NextEdge
	}
	return NodeOutcome{StateDelta: reduceOut.StateDelta, NextEdge: next, End: reduceOut.End}, nil
}

func (o *Orchestrator) acquireLocks(wfCtx engine.WorkflowContext, resourceIDs []string, owner string) error {
	var out lockActivityOutput
	in := lockActivityInput{ResourceIDs: resourceIDs, Owner: owner}
	return wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityAcquireLocks,
		Input:       in,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, &out)
}

func (o *Orchestrator) releaseLocks(wfCtx engine.WorkflowContext, resourceIDs []string, owner string) error {
	in := lockActivityInput{ResourceIDs: resourceIDs, Owner: owner}
	return wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
		Name:        activityReleaseLocks,
		Input:       in,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, new(lockActivityOutput))
}
