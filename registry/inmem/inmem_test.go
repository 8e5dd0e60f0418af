package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/registry"
	"github.com/taskorch/orchestrator/registry/inmem"
)

func TestRegisterAndListByCapability(t *testing.T) {
	ctx := context.Background()
	dir := inmem.New()

	require.NoError(t, dir.Register(ctx, registry.Agent{
		AgentID:      "agent-a",
		Endpoint:     "http://agent-a.internal",
		Capabilities: []string{"code_review", "deploy"},
	}))
	require.NoError(t, dir.Register(ctx, registry.Agent{
		AgentID:      "agent-b",
		Endpoint:     "http://agent-b.internal",
		Capabilities: []string{"deploy"},
	}))

	deployers, err := dir.ListByCapability(ctx, "deploy")
	require.NoError(t, err)
	assert.Len(t, deployers, 2)

	reviewers, err := dir.ListByCapability(ctx, "code_review")
	require.NoError(t, err)
	assert.Len(t, reviewers, 1)
	assert.Equal(t, "agent-a", reviewers[0].AgentID)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	dir := inmem.New()
	err := dir.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweep_MarksOfflineAfterMissedHeartbeats(t *testing.T) {
	ctx := context.Background()
	dir := inmem.New()
	require.NoError(t, dir.Register(ctx, registry.Agent{AgentID: "agent-a", Capabilities: []string{"deploy"}}))

	time.Sleep(5 * time.Millisecond)
	swept, err := dir.Sweep(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a"}, swept)

	deployers, err := dir.ListByCapability(ctx, "deploy")
	require.NoError(t, err)
	assert.Empty(t, deployers, "offline agents must not be returned by capability lookups")

	all, err := dir.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "offline", all[0].Status)
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	dir := inmem.New()
	require.NoError(t, dir.Register(ctx, registry.Agent{AgentID: "agent-a"}))
	require.NoError(t, dir.Deregister(ctx, "agent-a"))

	_, err := dir.Get(ctx, "agent-a")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
