// Package statestore provides the "fast path" to current workflow state: a
// {workflow_id -> (state, version)} mapping kept coherent with the Event
// Store via write-through, with optimistic concurrency so concurrent writers
// detect conflicting updates instead of clobbering each other. It
// generalizes a session/run lifecycle store, adding an explicit version
// token.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// WorkflowState is the persisted "latest state" row for a workflow.
	WorkflowState struct {
		// WorkflowID is the durable identifier of the workflow.
		WorkflowID string
		// Status is the workflow's current lifecycle status
		// (pending/running/suspended/completed/failed/cancelled/rolled_back).
		Status string
		// CurrentStep names the step the workflow is at or just completed.
		CurrentStep string
		// State is the opaque, JSON-serializable workflow state blob folded
		// from the event log (or a node's state_delta).
		State json.RawMessage
		// Version is the optimistic-concurrency token: the Seq of the last
		// event folded into State. Writers must present the Version they read;
		// a mismatch is rejected with ErrVersionConflict.
		Version int64
		// UpdatedAt records the last write time.
		UpdatedAt time.Time
	}

	// Store persists the current-state fast path. Implementations must be
	// write-through with the Event Store: a Put call happens in the same
	// logical transaction as the corresponding eventstore.Append for that
	// workflow. If that transaction fails halfway, the next Get rebuilds the
	// row from the Event Store (self-healing), which is why Store does not
	// itself own reconciliation — callers are expected to fall back to
	// eventstore.LatestState on a cache miss.
	Store interface {
		// Get returns the current state row, or ErrNotFound if none exists.
		Get(ctx context.Context, workflowID string) (WorkflowState, error)

		// Put writes state conditioned on expectedVersion matching the
		// currently stored Version (0 means "must not already exist"). Returns
		// ErrVersionConflict on mismatch; callers retry with a freshly-read
		// version per the engine's backoff policy (default 3 attempts).
		Put(ctx context.Context, state WorkflowState, expectedVersion int64) error

		// Delete removes the row, used only for test cleanup — workflows are
		// never deleted from the fast path in production (terminal states are
		// retained for audit).
		Delete(ctx context.Context, workflowID string) error
	}
)

// ErrNotFound indicates no state row exists for the given workflow ID.
var ErrNotFound = errors.New("statestore: workflow not found")

// ErrVersionConflict indicates a Put's expectedVersion did not match the
// stored Version — an optimistic-locking failure.
var ErrVersionConflict = errors.New("statestore: version conflict")

// Terminal reports whether status is one of the terminal workflow statuses a
// completed/cancelled/rolled_back workflow can never leave.
func Terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "rolled_back":
		return true
	default:
		return false
	}
}
