package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/statestore"
	"github.com/taskorch/orchestrator/statestore/inmem"
)

func TestPut_OptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	err := store.Put(ctx, statestore.WorkflowState{WorkflowID: "wf-1", Status: "running", Version: 1}, 0)
	require.NoError(t, err)

	// Stale writer presents version 0 again and must be rejected.
	err = store.Put(ctx, statestore.WorkflowState{WorkflowID: "wf-1", Status: "running", Version: 2}, 0)
	assert.ErrorIs(t, err, statestore.ErrVersionConflict)

	// Correct version succeeds.
	err = store.Put(ctx, statestore.WorkflowState{WorkflowID: "wf-1", Status: "completed", Version: 2}, 1)
	require.NoError(t, err)

	got, err := store.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.True(t, statestore.Terminal(got.Status))
}

func TestGet_NotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}
