package workflow

import (
	"encoding/json"
	"time"
)

// Status values a workflow execution moves through. Terminal statuses match
// statestore.Terminal.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusSuspended  = "suspended"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRolledBack = "rolled_back"
)

// Insight is a fragment of agent reasoning captured before an interrupt, so
// it can be re-injected into the next agent node's context on resume —
// downstream agents see the reasoning that led to the approval gate.
type Insight struct {
	NodeID    string    `json:"node_id"`
	Summary   string    `json:"summary"`
	CapturedAt time.Time `json:"captured_at"`
}

// ExecutionState is the workflow's full in-progress state: the node it is
// at, the accumulated state blob nodes read and write, and any insights
// captured before a suspension. It is what gets folded into
// statestore.WorkflowState.State and eventstore snapshots.
type ExecutionState struct {
	WorkflowID  string         `json:"workflow_id"`
	TemplateName string        `json:"template_name"`
	CurrentNode string         `json:"current_node"`
	State       map[string]any `json:"state"`
	Insights    []Insight      `json:"insights"`
	// PendingApprovalID is set while suspended on a NodeApproval, cleared on
	// resume.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`
}

// Clone returns a deep-enough copy suitable for handing to a rollback
// invocation as "the latest known-good state" without the rollback handler
// mutating the live execution state.
func (s ExecutionState) Clone() ExecutionState {
	out := s
	out.State = make(map[string]any, len(s.State))
	for k, v := range s.State {
		out.State[k] = v
	}
	out.Insights = append([]Insight(nil), s.Insights...)
	return out
}

func (s ExecutionState) marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

func unmarshalState(raw json.RawMessage) (ExecutionState, error) {
	var s ExecutionState
	if len(raw) == 0 {
		return s, nil
	}
	err := json.Unmarshal(raw, &s)
	return s, err
}

// NodeOutcome is the uniform result every node execution produces: a state
// delta merged into ExecutionState.State, and one of a next edge, an
// interrupt, or an end-of-workflow signal.
type NodeOutcome struct {
	StateDelta map[string]any
	NextEdge   string
	Interrupt  bool
	End        bool
	// ErrClass classifies a returned error for the node's RetryPolicy
	// (ErrClassTimeout, ErrClassValidation, ...). Empty when err is nil.
	ErrClass string
}

// TaskInput starts a new task workflow execution.
type TaskInput struct {
	WorkflowID   string
	TemplateName string
	InitialState map[string]any
}

// CancelSignal is delivered on SignalCancel to interrupt a running or
// suspended workflow.
type CancelSignal struct {
	Reason string
	By     string
}

// SignalCancel is the workflow signal name used to request cancellation.
const SignalCancel = "taskorch.workflow.cancel"
