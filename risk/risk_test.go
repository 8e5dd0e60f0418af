package risk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/risk"
)

func table() risk.Table {
	return risk.Table{
		Rules: []risk.Rule{
			{Tool: "delete_production_database", Level: risk.LevelCritical},
			{Environment: "production", Tag: "write", Level: risk.LevelHigh},
			{Kind: "agent_delegate", Level: risk.LevelMedium},
		},
		Default: risk.LevelLow,
	}
}

func TestAssess_FirstMatchingRuleWins(t *testing.T) {
	a := risk.New(table())

	level, err := a.Assess(context.Background(), risk.Operation{Tool: "delete_production_database"})
	require.NoError(t, err)
	assert.Equal(t, risk.LevelCritical, level)

	level, err = a.Assess(context.Background(), risk.Operation{Environment: "production", Tags: []string{"write"}})
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, level)
}

func TestAssess_DefaultsToTableDefault(t *testing.T) {
	a := risk.New(table())
	level, err := a.Assess(context.Background(), risk.Operation{Kind: "read_status"})
	require.NoError(t, err)
	assert.Equal(t, risk.LevelLow, level)
}

func TestRequiresApproval(t *testing.T) {
	assert.False(t, risk.RequiresApproval(risk.LevelLow))
	assert.True(t, risk.RequiresApproval(risk.LevelMedium))
	assert.True(t, risk.RequiresApproval(risk.LevelHigh))
	assert.True(t, risk.RequiresApproval(risk.LevelCritical))
}

func TestRank_Escalates(t *testing.T) {
	assert.Less(t, risk.Rank(risk.LevelLow), risk.Rank(risk.LevelMedium))
	assert.Less(t, risk.Rank(risk.LevelMedium), risk.Rank(risk.LevelHigh))
	assert.Less(t, risk.Rank(risk.LevelHigh), risk.Rank(risk.LevelCritical))
}
