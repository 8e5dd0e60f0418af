package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/eventstore"
	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/internal/errs"
	"github.com/taskorch/orchestrator/risk"
	"github.com/taskorch/orchestrator/statestore"
	"github.com/taskorch/orchestrator/webhook"
	"github.com/taskorch/orchestrator/workflow"
)

// defaultTemplateName is the workflow template /orchestrate starts tasks
// against until a dedicated decomposition/routing component (the Session /
// Intake Classifier's planning path) exists to pick one per task. Its node
// IDs are reported as the response's subtasks, so the plan reflects a real
// registered graph rather than invented content.
const defaultTemplateName = "default-task"

type orchestrateRequest struct {
	Description    string         `json:"description"`
	Priority       string         `json:"priority,omitempty"`
	ProjectContext map[string]any `json:"project_context,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
}

type orchestrateResponse struct {
	TaskID            string   `json:"task_id"`
	Subtasks          []string `json:"subtasks,omitempty"`
	RoutingPlan       string   `json:"routing_plan,omitempty"`
	Status            string   `json:"status,omitempty"`
	ApprovalRequestID string   `json:"approval_request_id,omitempty"`
	ExternalRef       string   `json:"external_ref,omitempty"`
	RiskLevel         string   `json:"risk_level,omitempty"`
}

// handleOrchestrate risk-assesses the submission once upfront per spec
// §4.11: below threshold, the task is registered and ready for /execute;
// otherwise it comes back approval_pending with an external_ref a webhook
// can later resolve against.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req orchestrateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeErr(ctx, w, errs.KindValidation, "malformed request body", nil)
		return
	}
	if req.Description == "" {
		s.writeErr(ctx, w, errs.KindValidation, "description is required", nil)
		return
	}

	resp, err := s.submitTask(ctx, req)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, err.Error(), nil)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

// submitTask is the shared risk-assess-then-route path both /orchestrate and
// the chat intake's task_submission intent go through, so a task started
// from a conversation is registered and tracked identically to one started
// over HTTP directly.
func (s *Server) submitTask(ctx context.Context, req orchestrateRequest) (orchestrateResponse, error) {
	taskID := uuid.NewString()
	env, _ := req.ProjectContext["environment"].(string)
	level, err := s.risk.Assess(ctx, risk.Operation{
		Kind:        "task_submission",
		Environment: env,
	})
	if err != nil {
		return orchestrateResponse{}, err
	}

	if risk.RequiresApproval(level) {
		approval, err := s.approvals.Create(ctx, hitl.Request{
			ID:         uuid.NewString(),
			WorkflowID: taskID,
			StepID:     "intake",
			RiskLevel:  string(level),
			Summary:    "Submission risk-assessed at " + string(level) + ": " + req.Description,
		})
		if err != nil {
			return orchestrateResponse{}, err
		}
		return orchestrateResponse{
			TaskID:            taskID,
			Status:            "approval_pending",
			ApprovalRequestID: approval.ID,
			// ExternalRef is the same ID a webhook delivery references to
			// resolve this request (no separate Linear-style ticket system
			// is wired in); hitl.Request has no distinct external-ref field.
			ExternalRef: approval.ID,
			RiskLevel:   string(level),
		}, nil
	}

	tmpl, err := s.orch.Template(defaultTemplateName)
	if err != nil {
		return orchestrateResponse{}, err
	}
	subtasks := make([]string, 0, len(tmpl.Nodes))
	for id := range tmpl.Nodes {
		subtasks = append(subtasks, id)
	}

	raw, err := json.Marshal(map[string]any{
		"description":     req.Description,
		"priority":        req.Priority,
		"project_context": req.ProjectContext,
		"session_id":      req.SessionID,
	})
	if err != nil {
		return orchestrateResponse{}, err
	}
	if err := s.states.Put(ctx, statestore.WorkflowState{
		WorkflowID:  taskID,
		Status:      "pending",
		CurrentStep: tmpl.EntryNode,
		State:       raw,
		UpdatedAt:   now(),
	}, 0); err != nil {
		return orchestrateResponse{}, err
	}

	return orchestrateResponse{
		TaskID:      taskID,
		Subtasks:    subtasks,
		RoutingPlan: defaultTemplateName,
	}, nil
}

// SubmitTask implements intake.TaskSubmitter, letting the chat endpoint
// start tasks through the exact same path /orchestrate uses.
func (s *Server) SubmitTask(ctx context.Context, description string) (intake.TaskSubmission, error) {
	resp, err := s.submitTask(ctx, orchestrateRequest{Description: description})
	if err != nil {
		return intake.TaskSubmission{}, err
	}
	return intake.TaskSubmission{
		TaskID:            resp.TaskID,
		Subtasks:          resp.Subtasks,
		RoutingPlan:       resp.RoutingPlan,
		Status:            resp.Status,
		ApprovalRequestID: resp.ApprovalRequestID,
		ExternalRef:       resp.ExternalRef,
		RiskLevel:         resp.RiskLevel,
	}, nil
}

// handleExecute begins execution of a previously-planned task.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := s.pathVar(r, "task_id")

	existing, err := s.states.Get(ctx, taskID)
	if err != nil {
		s.writeErr(ctx, w, errs.KindNotFound, "task not found; submit via /orchestrate first", nil)
		return
	}
	var initial map[string]any
	if len(existing.State) > 0 {
		if err := json.Unmarshal(existing.State, &initial); err != nil {
			s.writeErr(ctx, w, errs.KindInternal, "stored task state is corrupt", nil)
			return
		}
	}

	if _, err := s.orch.StartTask(ctx, taskID, defaultTemplateName, initial); err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to start workflow", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleExecuteStream mirrors handleExecute but streams step progress as
// server-sent events by polling the Event Store's tail, since the Workflow
// Engine has no push-based subscription surface of its own.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		s.writeErr(ctx, w, errs.KindValidation, "task_id query parameter is required", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErr(ctx, w, errs.KindInternal, "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var fromSeq int64
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.events.Load(ctx, taskID, fromSeq+1, 0)
			if err != nil {
				return
			}
			for _, e := range events {
				payload, _ := json.Marshal(map[string]any{"seq": e.Seq, "action": e.Action, "timestamp": e.Timestamp})
				w.Write([]byte("event: step\ndata: "))
				w.Write(payload)
				w.Write([]byte("\n\n"))
				fromSeq = e.Seq
			}
			flusher.Flush()
			st, err := s.states.Get(ctx, taskID)
			if err == nil && statestore.Terminal(st.Status) {
				w.Write([]byte("event: done\ndata: {}\n\n"))
				flusher.Flush()
				return
			}
		}
	}
}

type taskStatusResponse struct {
	Status            string `json:"status"`
	CurrentStep       string `json:"current_step"`
	CompletedSubtasks int    `json:"completed_subtasks"`
	TotalSubtasks     int    `json:"total_subtasks"`
	Outputs           any    `json:"outputs,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := s.pathVar(r, "task_id")
	st, err := s.states.Get(ctx, taskID)
	if err != nil {
		s.writeErr(ctx, w, errs.KindNotFound, "task not found", nil)
		return
	}

	tmpl, tmplErr := s.orch.Template(defaultTemplateName)
	total := 0
	completed := 0
	if tmplErr == nil {
		total = len(tmpl.Nodes)
		for id := range tmpl.Nodes {
			if id == st.CurrentStep {
				break
			}
			completed++
		}
	}

	var outputs any
	if len(st.State) > 0 {
		_ = json.Unmarshal(st.State, &outputs)
	}

	s.writeJSON(ctx, w, http.StatusOK, taskStatusResponse{
		Status:            st.Status,
		CurrentStep:       st.CurrentStep,
		CompletedSubtasks: completed,
		TotalSubtasks:     total,
		Outputs:           outputs,
	})
}

// handleResume resumes a suspended workflow directly (no webhook wired):
// it locates the task's pending approval and approves it as the operator
// role, letting the usual HITL resolution path deliver the resume signal.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := s.pathVar(r, "task_id")
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to list pending approvals", nil)
		return
	}
	var target *hitl.Request
	for i := range pending {
		if pending[i].WorkflowID == taskID {
			target = &pending[i]
			break
		}
	}
	if target == nil {
		s.writeErr(ctx, w, errs.KindNotFound, "no pending approval for this task", nil)
		return
	}
	req, err := s.approvals.Approve(ctx, target.ID, "operator", "operator")
	if err != nil {
		s.writeApprovalError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"approval_request_id": req.ID, "status": req.Status})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	reason := r.URL.Query().Get("reason")
	cancelledBy := r.URL.Query().Get("cancelled_by")
	if err := s.orch.Cancel(ctx, id, reason, cancelledBy); err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to deliver cancellation", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryFrom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	stepID := s.pathVar(r, "step_id")
	tmpl, err := s.orch.Template(defaultTemplateName)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "no default workflow template registered", nil)
		return
	}
	if _, ok := tmpl.Node(stepID); !ok {
		s.writeErr(ctx, w, errs.KindNotFound, "unknown step", map[string]any{"step_id": stepID})
		return
	}
	st, err := s.states.Get(ctx, id)
	if err != nil {
		s.writeErr(ctx, w, errs.KindNotFound, "workflow not found", nil)
		return
	}
	var initial map[string]any
	_ = json.Unmarshal(st.State, &initial)

	retryID := id + ":retry-from-" + stepID + "-" + strconv.FormatInt(now().UnixNano(), 10)
	if _, err := s.orch.StartTask(ctx, retryID, defaultTemplateName, initial); err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to start retry branch", nil)
		return
	}
	s.writeJSON(ctx, w, http.StatusAccepted, map[string]any{"retry_workflow_id": retryID, "from_step": stepID})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	q := r.URL.Query()
	offset := parseIntDefault(q.Get("offset"), 0)
	limit := parseIntDefault(q.Get("limit"), 100)
	action := q.Get("action")

	events, err := s.events.Load(ctx, id, offset+1, 0)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to load events", nil)
		return
	}
	out := make([]*eventstore.Event, 0, len(events))
	for _, e := range events {
		if action != "" && e.Action != action {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleExportEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	events, err := s.events.Load(ctx, id, 0, 0)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to load events", nil)
		return
	}
	switch format {
	case "json":
		s.writeJSON(ctx, w, http.StatusOK, map[string]any{"events": events})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("seq,action,actor,timestamp,hash\n"))
		for _, e := range events {
			w.Write([]byte(strconv.FormatInt(e.Seq, 10) + "," + e.Action + "," + e.Actor + "," + e.Timestamp.Format(time.RFC3339) + "," + e.Hash + "\n"))
		}
	default:
		// PDF rendering needs a layout/rendering library this module does not
		// carry; honest 501 rather than fabricating a PDF writer.
		s.writeError(ctx, w, http.StatusNotImplemented, "unsupported_format", "pdf export is not implemented", map[string]any{"format": format})
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	events, err := s.events.Load(ctx, id, 0, 0)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to load events", nil)
		return
	}
	if err := eventstore.VerifyChain(events); err != nil {
		s.writeErr(ctx, w, errs.KindReplayIntegrity, err.Error(), map[string]any{"workflow_id": id})
		return
	}
	state, err := eventstore.Fold(workflow.StateReducer{}, nil, events)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "fold failed", nil)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"workflow_id": id, "verified_events": len(events), "state": json.RawMessage(state)})
}

func (s *Server) handleStateAt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	ts := s.pathVar(r, "timestamp")
	parsed, err := parseTimestamp(ts)
	if err != nil {
		s.writeErr(ctx, w, errs.KindValidation, "timestamp must be RFC3339 or unix seconds", nil)
		return
	}
	state, err := eventstore.StateAt(ctx, s.events, workflow.StateReducer{}, id, parsed)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "state reconstruction failed", nil)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"workflow_id": id, "as_of": parsed, "state": json.RawMessage(state)})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	snap, err := s.events.LatestSnapshot(ctx, id)
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to load snapshot", nil)
		return
	}
	if snap == nil {
		s.writeJSON(ctx, w, http.StatusOK, map[string]any{"snapshots": []any{}})
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"snapshots": []*eventstore.Snapshot{snap}})
}

type annotateRequest struct {
	EventSeq int64  `json:"event_seq"`
	Comment  string `json:"comment"`
	Author   string `json:"author"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.pathVar(r, "id")
	var req annotateRequest
	if err := s.decodeJSON(r, &req); err != nil || req.Comment == "" {
		s.writeErr(ctx, w, errs.KindValidation, "comment is required", nil)
		return
	}
	payload, err := json.Marshal(map[string]any{"event_seq": req.EventSeq, "comment": req.Comment})
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to encode annotation", nil)
		return
	}
	actor := req.Author
	if actor == "" {
		actor = "operator"
	}
	appended, err := s.events.Append(ctx, &eventstore.Event{
		EventID:    uuid.NewString(),
		WorkflowID: id,
		Action:     "workflow.annotated",
		Payload:    payload,
		Actor:      actor,
		Timestamp:  now(),
	})
	if err != nil {
		s.writeErr(ctx, w, errs.KindInternal, "failed to append annotation", nil)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"seq": appended.Seq})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string                 `json:"session_id"`
	Intent    string                 `json:"intent"`
	Reply     string                 `json:"reply"`
	Task      *intake.TaskSubmission `json:"task,omitempty"`
}

// handleChat routes a free-form conversational message through the Session /
// Intake Classifier. Without an intake.Service wired in (SetIntake never
// called), this returns 501 rather than guessing at classification logic.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.intake == nil {
		s.writeError(ctx, w, http.StatusNotImplemented, "not_implemented",
			"multi-turn chat intake requires the session/intake classifier, not wired into this server", nil)
		return
	}
	var req chatRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeErr(ctx, w, errs.KindValidation, "malformed request body", nil)
		return
	}
	reply, err := s.intake.HandleMessage(ctx, req.SessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, intake.ErrEmptyMessage):
			s.writeErr(ctx, w, errs.KindValidation, "message is required", nil)
		case errors.Is(err, intake.ErrSessionEnded):
			s.writeError(ctx, w, http.StatusConflict, "session_ended", "session has ended; start a new session_id", nil)
		default:
			s.writeErr(ctx, w, errs.KindInternal, err.Error(), nil)
		}
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, chatResponse{
		SessionID: reply.SessionID,
		Intent:    string(reply.Intent),
		Reply:     reply.Text,
		Task:      reply.Task,
	})
}

type webhookResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := s.pathVar(r, "channel")
	sig := r.Header.Get("X-Signature")
	requestID := r.Header.Get("X-Event-Id")
	timestamp := r.Header.Get("X-Timestamp")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeErr(ctx, w, errs.KindValidation, "failed to read request body", nil)
		return
	}

	var tagged struct {
		ExternalRef string `json:"external_ref"`
	}
	_ = json.Unmarshal(body, &tagged)

	notification, err := s.ingress.Accept(ctx, channel, requestID, timestamp, tagged.ExternalRef, body, sig)
	switch err {
	case nil:
		// fall through
	case webhook.ErrInvalidSignature:
		s.writeError(ctx, w, http.StatusUnauthorized, string(errs.KindAuthorization), "invalid webhook signature", nil)
		return
	case webhook.ErrStaleTimestamp:
		s.writeErr(ctx, w, errs.KindValidation, "webhook X-Timestamp missing or outside the accepted skew window", nil)
		return
	case webhook.ErrReplay:
		s.writeJSON(ctx, w, http.StatusOK, webhookResponse{Status: "duplicate"})
		return
	case webhook.ErrUnknownChannel:
		s.writeErr(ctx, w, errs.KindNotFound, "unknown webhook channel", map[string]any{"channel": channel})
		return
	default:
		s.writeErr(ctx, w, errs.KindValidation, err.Error(), nil)
		return
	}

	if notification.ExternalRef != "" {
		if req, err := s.approvals.Status(ctx, notification.ExternalRef); err == nil && req.Status == hitl.StatusPending {
			_, _ = s.approvals.Approve(ctx, req.ID, "webhook:"+channel, "operator")
		}
	}
	s.writeJSON(ctx, w, http.StatusOK, webhookResponse{Status: "accepted"})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}

	if _, err := s.events.Load(ctx, "__health__", 0, 1); err != nil {
		components["event_store"] = "error: " + err.Error()
	} else {
		components["event_store"] = "ok"
	}
	if _, err := s.states.Get(ctx, "__health__"); err != nil && err != statestore.ErrNotFound {
		components["state_store"] = "error: " + err.Error()
	} else {
		components["state_store"] = "ok"
	}

	status := "ok"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			break
		}
	}
	s.writeJSON(ctx, w, http.StatusOK, healthResponse{Status: status, Components: components})
}

func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.tokens.snapshot())
}

func (s *Server) writeApprovalError(ctx context.Context, w http.ResponseWriter, err error) {
	switch err {
	case hitl.ErrNotFound:
		s.writeErr(ctx, w, errs.KindNotFound, "approval request not found", nil)
	case hitl.ErrNotPending:
		s.writeErr(ctx, w, errs.KindVersionConflict, "approval request already resolved", nil)
	case hitl.ErrUnauthorized:
		s.writeErr(ctx, w, errs.KindAuthorization, "not authorized to resolve this approval", nil)
	default:
		s.writeErr(ctx, w, errs.KindInternal, err.Error(), nil)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseTimestamp(s string) (time.Time, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(v, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}
