package inmem_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/eventstore"
	"github.com/taskorch/orchestrator/eventstore/inmem"
)

func TestAppend_ContiguousSeqAndHashChain(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	for i := 1; i <= 3; i++ {
		e := &eventstore.Event{
			EventID:    "evt-" + string(rune('0'+i)),
			WorkflowID: "wf-1",
			Action:     "step_started",
			Payload:    json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
			Actor:      "system",
			Timestamp:  time.Now(),
		}
		persisted, err := store.Append(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, int64(i), persisted.Seq)
	}

	events, err := store.Load(ctx, "wf-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NoError(t, eventstore.VerifyChain(events))
	assert.Equal(t, eventstore.ZeroHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

func TestAppend_DuplicateEventIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	e := &eventstore.Event{EventID: "evt-dup", WorkflowID: "wf-2", Action: "a", Timestamp: time.Now()}
	first, err := store.Append(ctx, e)
	require.NoError(t, err)

	second, err := store.Append(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq)

	events, err := store.Load(ctx, "wf-2", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.Append(ctx, &eventstore.Event{WorkflowID: "wf-3", Action: "a", Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = store.Append(ctx, &eventstore.Event{WorkflowID: "wf-3", Action: "b", Timestamp: time.Now()})
	require.NoError(t, err)

	events, err := store.Load(ctx, "wf-3", 0, 0)
	require.NoError(t, err)
	events[0].Payload = json.RawMessage(`{"tampered":true}`)

	err = eventstore.VerifyChain(events)
	assert.ErrorIs(t, err, eventstore.ErrReplayIntegrity)
}

func TestSnapshotAndLatestState(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, &eventstore.Event{WorkflowID: "wf-4", Action: "tick", Timestamp: time.Now()})
		require.NoError(t, err)
	}
	err := store.Snapshot(ctx, "wf-4", json.RawMessage(`{"count":3}`), 3)
	require.NoError(t, err)

	reducer := countReducer{}
	state, seq, err := eventstore.LatestState(ctx, store, reducer, "wf-4")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	var decoded struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(state, &decoded))
	assert.Equal(t, 5, decoded.Count)
}

type countReducer struct{}

func (countReducer) Reduce(state json.RawMessage, _ *eventstore.Event) (json.RawMessage, error) {
	var decoded struct {
		Count int `json:"count"`
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &decoded); err != nil {
			return nil, err
		}
	}
	decoded.Count++
	return json.Marshal(decoded)
}
