package hitl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/hitl/inmem"
)

type fakeNotifier struct {
	resolved []hitl.Request
}

func (n *fakeNotifier) NotifyResolved(_ context.Context, req hitl.Request) error {
	n.resolved = append(n.resolved, req)
	return nil
}

func roleTable() map[string][]string {
	return map[string][]string{
		"high":     {"team_lead", "operator"},
		"critical": {"operator"},
	}
}

func TestApprove_AuthorizedRoleSucceeds(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	m := hitl.New(inmem.New(), notifier, roleTable())

	req, err := m.Create(ctx, hitl.Request{ID: "req-1", WorkflowID: "wf-1", RiskLevel: "high", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, req.Status)

	resolved, err := m.Approve(ctx, "req-1", "alice", "team_lead")
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusApproved, resolved.Status)
	require.Len(t, notifier.resolved, 1)
	assert.Equal(t, hitl.StatusApproved, notifier.resolved[0].Status)
}

func TestApprove_UnauthorizedRoleRejected(t *testing.T) {
	ctx := context.Background()
	m := hitl.New(inmem.New(), nil, roleTable())

	_, err := m.Create(ctx, hitl.Request{ID: "req-1", RiskLevel: "critical", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = m.Approve(ctx, "req-1", "alice", "team_lead")
	assert.ErrorIs(t, err, hitl.ErrUnauthorized)
}

func TestReject_AlreadyResolvedFails(t *testing.T) {
	ctx := context.Background()
	m := hitl.New(inmem.New(), nil, roleTable())

	_, err := m.Create(ctx, hitl.Request{ID: "req-1", RiskLevel: "high", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = m.Approve(ctx, "req-1", "alice", "operator")
	require.NoError(t, err)

	_, err = m.Reject(ctx, "req-1", "bob", "operator", "too risky")
	assert.ErrorIs(t, err, hitl.ErrNotPending)
}

func TestStatus_LazilyExpiresPastDeadline(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	m := hitl.New(inmem.New(), notifier, roleTable())

	_, err := m.Create(ctx, hitl.Request{ID: "req-1", RiskLevel: "high", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	req, err := m.Status(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusExpired, req.Status)
	require.Len(t, notifier.resolved, 1)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	m := hitl.New(inmem.New(), notifier, roleTable())

	_, err := m.Create(ctx, hitl.Request{ID: "req-1", RiskLevel: "high", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	expired, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, hitl.StatusExpired, expired[0].Status)
	require.Len(t, notifier.resolved, 1)
}
