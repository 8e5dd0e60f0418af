package toolselector_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/toolselector"
)

type fixedCatalog []toolselector.Tool

func (c fixedCatalog) List(_ context.Context) ([]toolselector.Tool, error) { return c, nil }

func sampleTools() []toolselector.Tool {
	schema := json.RawMessage(`{"type":"object"}`)
	return []toolselector.Tool{
		{ID: "deploy_service", Name: "deploy_service", Description: "deploy a service to production", Tags: []string{"deploy", "write"}, PayloadSchema: schema, CostWeight: 2},
		{ID: "search_docs", Name: "search_docs", Description: "search internal documentation", Tags: []string{"read"}, PayloadSchema: schema, CostWeight: 1},
		{ID: "rollback_service", Name: "rollback_service", Description: "roll back a production deploy", Tags: []string{"deploy", "write"}, PayloadSchema: schema, CostWeight: 3},
	}
}

func TestSelect_KeywordRanksRelevantToolsFirst(t *testing.T) {
	sel := toolselector.New(fixedCatalog(sampleTools()), nil, nil)

	got, err := sel.Select(context.Background(), toolselector.Request{Task: "deploy the service to production"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "deploy_service", got[0].ID)
}

func TestSelect_RoleGatesTags(t *testing.T) {
	roleTags := map[string][]string{"viewer": {"read"}}
	sel := toolselector.New(fixedCatalog(sampleTools()), nil, roleTags)

	got, err := sel.Select(context.Background(), toolselector.Request{Role: "viewer"})
	require.NoError(t, err)
	for _, tool := range got {
		assert.NotEqual(t, "deploy_service", tool.ID)
		assert.NotEqual(t, "rollback_service", tool.ID)
	}
}

func TestSelect_BudgetCapsCount(t *testing.T) {
	sel := toolselector.New(fixedCatalog(sampleTools()), nil, nil)

	got, err := sel.Select(context.Background(), toolselector.Request{MaxTools: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSelect_BudgetCapsCost(t *testing.T) {
	sel := toolselector.New(fixedCatalog(sampleTools()), nil, nil)

	got, err := sel.Select(context.Background(), toolselector.Request{MaxCost: 2})
	require.NoError(t, err)
	var total float64
	for _, tool := range got {
		total += tool.CostWeight
	}
	assert.LessOrEqual(t, total, 2.0)
}

func TestValidateCatalog_RejectsMalformedSchema(t *testing.T) {
	bad := []toolselector.Tool{{ID: "broken", PayloadSchema: json.RawMessage(`not json`)}}
	err := toolselector.ValidateCatalog(bad)
	assert.Error(t, err)
}

func TestValidatePayload_EnforcesSchema(t *testing.T) {
	tool := toolselector.Tool{
		ID:            "deploy_service",
		PayloadSchema: json.RawMessage(`{"type":"object","required":["service"],"properties":{"service":{"type":"string"}}}`),
	}
	assert.NoError(t, toolselector.ValidatePayload(tool, json.RawMessage(`{"service":"api"}`)))
	assert.Error(t, toolselector.ValidatePayload(tool, json.RawMessage(`{}`)))
}
