package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	eventbusinmem "github.com/taskorch/orchestrator/eventbus/inmem"
	"github.com/taskorch/orchestrator/workflow"
)

func TestEventBusCancelNotifier_PublishesCancelNotice(t *testing.T) {
	bus := eventbusinmem.New()
	sub, err := bus.Subscribe(context.Background(), "taskorch.workflow.cancelled", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	notifier := workflow.NewEventBusCancelNotifier(bus)
	if err := notifier.NotifyCancel(context.Background(), "wf-1", "user requested"); err != nil {
		t.Fatalf("NotifyCancel: %v", err)
	}

	select {
	case msg := <-sub.Receive():
		var notice struct {
			WorkflowID string `json:"workflow_id"`
			Reason     string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if notice.WorkflowID != "wf-1" || notice.Reason != "user requested" {
			t.Fatalf("notice = %+v, want wf-1/user requested", notice)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel notice")
	}
}
