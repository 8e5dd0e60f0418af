package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/taskorch/orchestrator/api"
	eventstoreinmem "github.com/taskorch/orchestrator/eventstore/inmem"
	"github.com/taskorch/orchestrator/hitl"
	hitlinmem "github.com/taskorch/orchestrator/hitl/inmem"
	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/internal/telemetry"
	lockinmem "github.com/taskorch/orchestrator/lock/inmem"
	"github.com/taskorch/orchestrator/risk"
	sessioninmem "github.com/taskorch/orchestrator/session/inmem"
	statestoreinmem "github.com/taskorch/orchestrator/statestore/inmem"
	"github.com/taskorch/orchestrator/webhook"
	"github.com/taskorch/orchestrator/workflow"
	"github.com/taskorch/orchestrator/workflow/inmemengine"
)

type lateBoundNotifier struct {
	orch *workflow.Orchestrator
}

func (n *lateBoundNotifier) NotifyResolved(ctx context.Context, req hitl.Request) error {
	return n.orch.ResumeApproval(ctx, req)
}

type noopAgents struct{}

func (noopAgents) Invoke(context.Context, workflow.AgentInvocation) (workflow.AgentResult, error) {
	return workflow.AgentResult{End: true}, nil
}

type noopDecisions struct{}

func (noopDecisions) Decide(context.Context, workflow.DecisionRequest) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T, riskLevel risk.Level) *api.Server {
	t.Helper()
	events := eventstoreinmem.New()
	states := statestoreinmem.New()
	hitlStore := hitlinmem.New()
	notifier := &lateBoundNotifier{}
	approvals := hitl.New(hitlStore, notifier, map[string][]string{
		"high": {"operator"},
	})

	eng := inmemengine.New()
	orch := workflow.New(eng, workflow.Dependencies{
		Agents:    noopAgents{},
		Decisions: noopDecisions{},
		Approvals: approvals,
		Locks:     lockinmem.New(),
		Events:    events,
		States:    states,
	})
	notifier.orch = orch

	if err := orch.RegisterTemplate(workflow.Template{
		Name:      "default-task",
		EntryNode: "do_work",
		Nodes: map[string]workflow.Node{
			"do_work": {ID: "do_work", Kind: workflow.NodeAgent, AgentName: "worker", Next: ""},
		},
	}); err != nil {
		t.Fatalf("register template: %v", err)
	}
	if err := orch.RegisterActivities(context.Background()); err != nil {
		t.Fatalf("register activities: %v", err)
	}

	assessor := risk.New(risk.Table{Default: riskLevel})
	secrets := webhook.NewStaticSecrets(map[string]string{"linear": "topsecret"})
	ingress := webhook.New(secrets, 5*time.Minute)

	return api.New(api.Dependencies{
		Orchestrator: orch,
		Events:       events,
		States:       states,
		Approvals:    approvals,
		Risk:         assessor,
		Webhooks:     ingress,
		Logger:       telemetry.NewNoopLogger(),
	})
}

func doRequest(t *testing.T, s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleOrchestrate_LowRiskRegistersTaskImmediately(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	rec := doRequest(t, s, http.MethodPost, "/orchestrate", map[string]any{
		"description": "deploy the new auth service",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID      string   `json:"task_id"`
		Subtasks    []string `json:"subtasks"`
		RoutingPlan string   `json:"routing_plan"`
		Status      string   `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" || resp.RoutingPlan != "default-task" || len(resp.Subtasks) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Status != "" {
		t.Fatalf("expected no approval_pending status, got %q", resp.Status)
	}
}

func TestHandleOrchestrate_HighRiskReturnsApprovalPending(t *testing.T) {
	s := newTestServer(t, risk.LevelHigh)
	rec := doRequest(t, s, http.MethodPost, "/orchestrate", map[string]any{
		"description": "drop the production database",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status            string `json:"status"`
		ApprovalRequestID string `json:"approval_request_id"`
		ExternalRef       string `json:"external_ref"`
		RiskLevel         string `json:"risk_level"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "approval_pending" || resp.ApprovalRequestID == "" || resp.ExternalRef != resp.ApprovalRequestID {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.RiskLevel != string(risk.LevelHigh) {
		t.Fatalf("risk level = %q, want %q", resp.RiskLevel, risk.LevelHigh)
	}
}

func TestHandleOrchestrate_RejectsMissingDescription(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	rec := doRequest(t, s, http.MethodPost, "/orchestrate", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Code != "validation" {
		t.Fatalf("error code = %q, want validation", resp.Error.Code)
	}
}

func TestHandleHealth_ReportsOKWhenStoresReachable(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", strings.NewReader(`{"external_ref":"abc"}`))
	req.Header.Set("X-Signature", "deadbeef")
	req.Header.Set("X-Event-Id", "evt-1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleWebhook_AcceptsValidSignatureAndDedupes(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	body := `{"external_ref":"abc"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := webhook.Sign("topsecret", ts, []byte(body))

	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", strings.NewReader(body))
		req.Header.Set("X-Signature", sig)
		req.Header.Set("X-Event-Id", "evt-1")
		req.Header.Set("X-Timestamp", ts)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		return rec
	}

	first := makeReq()
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, body = %s", first.Code, first.Body.String())
	}

	second := makeReq()
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d", second.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "duplicate" {
		t.Fatalf("second delivery status field = %q, want duplicate", resp.Status)
	}
}

func TestHandleTaskStatus_NotFoundForUnknownTask(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	rec := doRequest(t, s, http.MethodGet, "/task/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleChat_NotImplemented(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	rec := doRequest(t, s, http.MethodPost, "/chat", map[string]any{"message": "hi"})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleChat_RoutesTaskSubmissionThroughOrchestrate(t *testing.T) {
	s := newTestServer(t, risk.LevelLow)
	svc := intake.New(intake.Dependencies{
		Sessions:  sessioninmem.New(),
		Classify:  intake.NewTwoTierClassifier(nil, ""),
		Submitter: s,
		States:    statestoreinmem.New(),
		Logger:    telemetry.NewNoopLogger(),
	})
	s.SetIntake(svc)

	rec := doRequest(t, s, http.MethodPost, "/chat", map[string]any{
		"session_id": "sess-1",
		"message":    "please deploy the new auth service",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		Intent    string `json:"intent"`
		Task      *struct {
			TaskID string `json:"task_id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Intent != "task_submission" {
		t.Fatalf("intent = %q, want task_submission", resp.Intent)
	}
	if resp.Task == nil || resp.Task.TaskID == "" {
		t.Fatalf("expected a submitted task in the reply, got %+v", resp.Task)
	}
}
