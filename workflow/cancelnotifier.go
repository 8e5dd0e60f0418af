package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskorch/orchestrator/eventbus"
)

// cancelTopic is where a best-effort cancellation notice is published for
// any in-flight agent subscribed to it. Agents are expected to subscribe
// once at startup and filter on WorkflowID themselves, the same
// single-topic-fan-out shape eventbus.Bus.Publish already supports.
const cancelTopic = "taskorch.workflow.cancelled"

type cancelNotice struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

// EventBusCancelNotifier implements CancelNotifier by publishing a
// cancellation notice on the Event Bus, letting any agent mid-invocation
// for workflowID notice and abort its own work without the Workflow Engine
// needing a direct handle back to whichever agent is currently running.
type EventBusCancelNotifier struct {
	bus eventbus.Bus
}

// NewEventBusCancelNotifier returns a CancelNotifier publishing through bus.
func NewEventBusCancelNotifier(bus eventbus.Bus) *EventBusCancelNotifier {
	return &EventBusCancelNotifier{bus: bus}
}

var _ CancelNotifier = (*EventBusCancelNotifier)(nil)

// NotifyCancel implements CancelNotifier.
func (n *EventBusCancelNotifier) NotifyCancel(ctx context.Context, workflowID, reason string) error {
	payload, err := json.Marshal(cancelNotice{WorkflowID: workflowID, Reason: reason})
	if err != nil {
		return fmt.Errorf("workflow: encode cancel notice: %w", err)
	}
	return n.bus.Publish(ctx, cancelTopic, payload)
}
