package inmem_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/eventbus"
	"github.com/taskorch/orchestrator/eventbus/inmem"
)

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := inmem.New()

	sub, err := bus.Subscribe(ctx, "workflow.completed", 4)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "workflow.completed", json.RawMessage(`{"workflow_id":"wf-1"}`)))

	select {
	case msg := <-sub.Receive():
		assert.JSONEq(t, `{"workflow_id":"wf-1"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestSubscribe_OverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	bus := inmem.New()

	sub, err := bus.Subscribe(ctx, "risk.flagged", 2)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, "risk.flagged", json.RawMessage(`{"n":`+string(rune('0'+i))+`}`)))
	}

	// Only the queue depth's worth of the most recent messages survive.
	count := 0
	for {
		select {
		case <-sub.Receive():
			count++
		default:
			assert.Equal(t, 2, count)
			return
		}
	}
}

func TestRequestResponse(t *testing.T) {
	ctx := context.Background()
	bus := inmem.New()

	sub, err := bus.Subscribe(ctx, "tool.invoke", 4)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		select {
		case msg := <-sub.Receive():
			var env eventbus.Message
			_ = json.Unmarshal(msg.Payload, &env)
			_ = bus.Respond(ctx, env.CorrelationID, json.RawMessage(`{"ok":true}`))
		case <-time.After(time.Second):
		}
	}()

	reply, err := bus.Request(ctx, "tool.invoke", json.RawMessage(`{"tool":"search"}`), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))
}

func TestRequest_TimesOutWithoutResponse(t *testing.T) {
	ctx := context.Background()
	bus := inmem.New()

	_, err := bus.Request(ctx, "tool.invoke", json.RawMessage(`{}`), 20*time.Millisecond)
	assert.ErrorIs(t, err, eventbus.ErrTimeout)
}
