package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/taskorch/orchestrator/eventstore"
)

// StateReducer implements eventstore.Reducer for workflow checkpoint events.
// Every checkpoint event's payload is a full ExecutionState snapshot (see
// activityPersistCheckpoint), so folding is just "take the latest payload"
// rather than applying an incremental delta — the event log is still the
// source of truth for ordering, hash-chaining, and audit, it just happens to
// carry whole snapshots as its unit of change.
type StateReducer struct{}

func (StateReducer) Reduce(_ json.RawMessage, e *eventstore.Event) (json.RawMessage, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("workflow: event %s seq %d: empty payload", e.WorkflowID, e.Seq)
	}
	return e.Payload, nil
}
