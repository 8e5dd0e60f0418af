package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/lock"
	"github.com/taskorch/orchestrator/lock/inmem"
)

func TestAcquire_ExclusiveNoWait(t *testing.T) {
	ctx := context.Background()
	m := inmem.New()

	outcome, err := m.Acquire(ctx, "workflow-1", "agent-a", time.Minute, false, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)

	_, err = m.Acquire(ctx, "workflow-1", "agent-b", time.Minute, false, 0)
	assert.ErrorIs(t, err, lock.ErrLockConflict)

	require.NoError(t, m.Release(ctx, "workflow-1", "agent-a"))

	outcome, err = m.Acquire(ctx, "workflow-1", "agent-b", time.Minute, false, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)
}

func TestAcquire_SameOwnerReentrant(t *testing.T) {
	ctx := context.Background()
	m := inmem.New()

	_, err := m.Acquire(ctx, "workflow-1", "agent-a", time.Minute, false, 0)
	require.NoError(t, err)

	outcome, err := m.Acquire(ctx, "workflow-1", "agent-a", time.Minute, false, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)
}

func TestAcquire_WaitSucceedsAfterRelease(t *testing.T) {
	ctx := context.Background()
	m := inmem.New()

	_, err := m.Acquire(ctx, "workflow-1", "agent-a", time.Minute, false, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(ctx, "workflow-1", "agent-a")
	}()

	outcome, err := m.Acquire(ctx, "workflow-1", "agent-b", time.Minute, true, time.Second)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)
}

func TestSweep_ReclaimsExpiredLocks(t *testing.T) {
	ctx := context.Background()
	m := inmem.New()

	_, err := m.Acquire(ctx, "workflow-1", "agent-a", time.Millisecond, false, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cleared := m.Sweep()
	assert.Equal(t, 1, cleared)

	outcome, err := m.Acquire(ctx, "workflow-1", "agent-b", time.Minute, false, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)
}

func TestAcquireOrdered_RollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	m := inmem.New()

	_, err := m.Acquire(ctx, "res-b", "agent-a", time.Minute, false, 0)
	require.NoError(t, err)

	conflicted, err := m.AcquireOrdered(ctx, []string{"res-a", "res-b", "res-c"}, "agent-c", time.Minute, false, 0)
	assert.ErrorIs(t, err, lock.ErrLockConflict)
	assert.Equal(t, "res-b", conflicted)

	// res-a must have been rolled back so another owner can take it.
	outcome, err := m.Acquire(ctx, "res-a", "agent-d", time.Minute, false, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Acquired)
}

func TestOrderResourceIDs_Lexicographic(t *testing.T) {
	got := lock.OrderResourceIDs([]string{"workflow-9", "workflow-2", "workflow-10"})
	assert.Equal(t, []string{"workflow-10", "workflow-2", "workflow-9"}, got)
}
