// Package api implements the Task Intake API: the orchestrator's public
// HTTP surface for submitting, executing, inspecting, and cancelling task
// workflows. Handlers are hand-wired against goa's transport encode/decode
// helpers (the same goahttp.RequestDecoder/ResponseEncoder pair
// example/cmd/assistant/http.go builds its generated servers on) rather than
// goa's DSL/codegen pipeline, since this product has no agent-authoring
// design to compile — only the wire-format layer is reused.
package api

import (
	"context"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/taskorch/orchestrator/eventstore"
	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/internal/errs"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/risk"
	"github.com/taskorch/orchestrator/statestore"
	"github.com/taskorch/orchestrator/webhook"
	"github.com/taskorch/orchestrator/workflow"
)

// Server wires the Task Intake API's handlers to the orchestrator's
// domain components. It satisfies http.Handler via its internal Muxer.
type Server struct {
	orch      *workflow.Orchestrator
	events    eventstore.Store
	states    statestore.Store
	approvals *hitl.Manager
	risk      risk.Assessor
	ingress   *webhook.Ingress
	logger    telemetry.Logger
	tokens    *tokenMetrics
	intake    *intake.Service

	mux goahttp.Muxer
	dec func(*http.Request) goahttp.Decoder
	enc func(context.Context, http.ResponseWriter) goahttp.Encoder
}

// Dependencies are the components New wires handlers against.
type Dependencies struct {
	Orchestrator *workflow.Orchestrator
	Events       eventstore.Store
	States       statestore.Store
	Approvals    *hitl.Manager
	Risk         risk.Assessor
	Webhooks     *webhook.Ingress
	Logger       telemetry.Logger
	// Intake is optional: when nil, /chat returns 501 rather than guessing at
	// classification logic.
	Intake *intake.Service
}

// New builds a Server and mounts every route from spec §6.1 onto its
// internal Muxer. Call ServeHTTP (or use the Server directly as an
// http.Handler) once mounted.
func New(deps Dependencies) *Server {
	s := &Server{
		orch:      deps.Orchestrator,
		events:    deps.Events,
		states:    deps.States,
		approvals: deps.Approvals,
		risk:      deps.Risk,
		ingress:   deps.Webhooks,
		logger:    deps.Logger,
		intake:    deps.Intake,
		tokens:    newTokenMetrics(),
		mux:       goahttp.NewMuxer(),
		dec:       goahttp.RequestDecoder,
		enc:       goahttp.ResponseEncoder,
	}
	s.mount()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RecordTokenUsage feeds an agent invocation's telemetry into the
// /metrics/tokens aggregate. Called by the Agent RPC client after each
// invocation completes.
func (s *Server) RecordTokenUsage(agentName string, t telemetry.AgentTelemetry) {
	s.tokens.record(agentName, t)
}

// SetIntake wires the Session/Intake Classifier after construction. The
// classifier's TaskSubmitter is the Server itself (via SubmitTask), so
// callers must build in two steps: construct the Server, build the
// intake.Service passing the Server as its submitter, then call SetIntake
// — the same late-binding shape used elsewhere in this module to break a
// circular construction dependency between two components that each need
// a handle to the other.
func (s *Server) SetIntake(svc *intake.Service) {
	s.intake = svc
}

// SetOrchestrator wires the Orchestrator after construction. Needed because
// agentrpc.WithInvocationSink wants a bound method value pointing at this
// Server's RecordTokenUsage before the Orchestrator (which agentrpc.Client
// feeds into) can itself be built — the same late-binding shape SetIntake
// and workflow.LateBoundNotifier use to break their own construction
// cycles. Call once, before the Server serves any traffic.
func (s *Server) SetOrchestrator(o *workflow.Orchestrator) {
	s.orch = o
}

func (s *Server) mount() {
	s.mux.Handle(http.MethodPost, "/orchestrate", s.handleOrchestrate)
	s.mux.Handle(http.MethodPost, "/execute/{task_id}", s.handleExecute)
	s.mux.Handle(http.MethodPost, "/execute/stream", s.handleExecuteStream)
	s.mux.Handle(http.MethodGet, "/task/{task_id}", s.handleTaskStatus)
	s.mux.Handle(http.MethodPost, "/resume/{task_id}", s.handleResume)
	s.mux.Handle(http.MethodDelete, "/workflow/{id}", s.handleCancelWorkflow)
	s.mux.Handle(http.MethodPost, "/workflow/{id}/retry-from/{step_id}", s.handleRetryFrom)
	s.mux.Handle(http.MethodGet, "/workflow/{id}/events", s.handleListEvents)
	s.mux.Handle(http.MethodGet, "/workflow/{id}/events/export", s.handleExportEvents)
	s.mux.Handle(http.MethodPost, "/workflow/{id}/replay", s.handleReplay)
	s.mux.Handle(http.MethodGet, "/workflow/{id}/state-at/{timestamp}", s.handleStateAt)
	s.mux.Handle(http.MethodGet, "/workflow/{id}/snapshots", s.handleListSnapshots)
	s.mux.Handle(http.MethodPost, "/workflow/{id}/annotate", s.handleAnnotate)
	s.mux.Handle(http.MethodPost, "/chat", s.handleChat)
	s.mux.Handle(http.MethodPost, "/webhooks/{channel}", s.handleWebhook)
	s.mux.Handle(http.MethodGet, "/health", s.handleHealth)
	s.mux.Handle(http.MethodGet, "/metrics/tokens", s.handleTokenMetrics)
}

// errorEnvelope matches the wire format in spec §6.1:
// {"error": {"code", "message", "details"}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.WriteHeader(status)
	if err := s.enc(ctx, w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}}); err != nil {
		s.logger.Error(ctx, "api: failed to encode error response", "code", code, "err", err)
	}
}

// writeErr is writeError driven by the errs taxonomy: the wire code is the
// Kind string and the status is errs.HTTPStatus(kind), so every handler
// reporting a classified failure maps the same Kind to the same status
// rather than hand-picking a status per call site.
func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, kind errs.Kind, message string, details map[string]any) {
	s.writeError(ctx, w, errs.HTTPStatus(kind), string(kind), message, details)
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := s.enc(ctx, w).Encode(v); err != nil {
		s.logger.Error(ctx, "api: failed to encode response", "err", err)
	}
}

func (s *Server) decodeJSON(r *http.Request, v any) error {
	return s.dec(r).Decode(v)
}

// pathVar reads a Muxer-populated path parameter.
func (s *Server) pathVar(r *http.Request, name string) string {
	return s.mux.Vars(r)[name]
}

func now() time.Time { return time.Now() }
