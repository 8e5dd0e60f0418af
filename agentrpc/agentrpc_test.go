package agentrpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskorch/orchestrator/agentrpc"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/registry"
	registryinmem "github.com/taskorch/orchestrator/registry/inmem"
	"github.com/taskorch/orchestrator/toolselector"
	"github.com/taskorch/orchestrator/toolselector/staticcatalog"
	"github.com/taskorch/orchestrator/workflow"
)

func newDirectory(t *testing.T, endpoint string) registry.Directory {
	t.Helper()
	dir := registryinmem.New()
	if err := dir.Register(context.Background(), registry.Agent{
		AgentID:      "worker",
		Endpoint:     endpoint,
		Capabilities: []string{"build"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return dir
}

func TestInvoke_TranslatesSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["deadline_ms"] == nil {
			t.Fatal("expected deadline_ms to be set")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output":            map[string]any{"result": "done"},
			"captured_insights": []string{"looked promising"},
			"next_hint":         "review",
		})
	}))
	defer srv.Close()

	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{MaxAttempts: 1})
	out, err := client.Invoke(context.Background(), workflow.AgentInvocation{
		AgentName: "worker",
		State:     map[string]any{"step": 1},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.NextEdge != "review" {
		t.Fatalf("NextEdge = %q, want review", out.NextEdge)
	}
	if out.Insight != "looked promising" {
		t.Fatalf("Insight = %q, want %q", out.Insight, "looked promising")
	}
	if out.StateDelta["result"] != "done" {
		t.Fatalf("StateDelta = %+v, want result=done", out.StateDelta)
	}
}

func TestInvoke_EndSignalFromOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"end": true},
		})
	}))
	defer srv.Close()

	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{MaxAttempts: 1})
	out, err := client.Invoke(context.Background(), workflow.AgentInvocation{AgentName: "worker"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.End {
		t.Fatal("expected End = true")
	}
}

func TestInvoke_AgentErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "invalid_params", "message": "bad input"},
		})
	}))
	defer srv.Close()

	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond})
	_, err := client.Invoke(context.Background(), workflow.AgentInvocation{AgentName: "worker"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (agent errors are not retriable)", calls)
	}
}

func TestInvoke_ServerErrorIsRetriedThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"ok": true}})
	}))
	defer srv.Close()

	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{
		MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond,
	})
	_, err := client.Invoke(context.Background(), workflow.AgentInvocation{AgentName: "worker"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestInvoke_UnknownAgentErrors(t *testing.T) {
	client := agentrpc.New(registryinmem.New(), agentrpc.RetryPolicy{MaxAttempts: 1})
	_, err := client.Invoke(context.Background(), workflow.AgentInvocation{AgentName: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for an unregistered agent")
	}
}

func TestInvoke_InvocationSinkReceivesTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{}})
	}))
	defer srv.Close()

	var captured telemetry.AgentTelemetry
	var agentName string
	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{MaxAttempts: 1},
		agentrpc.WithInvocationSink(func(name string, tel telemetry.AgentTelemetry) {
			agentName = name
			captured = tel
		}))
	if _, err := client.Invoke(context.Background(), workflow.AgentInvocation{AgentName: "worker"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if agentName != "worker" {
		t.Fatalf("agentName = %q, want worker", agentName)
	}
	if captured.DurationMs < 0 {
		t.Fatalf("DurationMs = %d, want >= 0", captured.DurationMs)
	}
}

func TestInvoke_ToolSelectorNarrowsWireToolsToIDs(t *testing.T) {
	var sentTools []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []string `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sentTools = req.Tools
		_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{}})
	}))
	defer srv.Close()

	catalog := staticcatalog.New([]toolselector.Tool{
		{ID: "deploy.run", Name: "deploy", Tags: []string{"deploy"}},
		{ID: "docs.edit", Name: "docs", Tags: []string{"docs"}},
	})
	sel := toolselector.New(catalog, nil, nil)

	client := agentrpc.New(newDirectory(t, srv.URL), agentrpc.RetryPolicy{MaxAttempts: 1},
		agentrpc.WithToolSelector(sel))
	_, err := client.Invoke(context.Background(), workflow.AgentInvocation{
		AgentName: "worker",
		ToolTags:  []string{"deploy"},
		State:     map[string]any{"step": "deploy"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(sentTools) != 1 || sentTools[0] != "deploy.run" {
		t.Fatalf("sentTools = %v, want [deploy.run]", sentTools)
	}
}
