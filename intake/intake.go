// Package intake implements the Session/Intake Classifier (spec.md §4.12):
// multi-turn conversational state keyed by session_id, routed through a
// two-tier classifier (fast keyword match, LLM fallback) into one of five
// intents. task_submission synthesizes a task and hands it to the Workflow
// Engine via TaskSubmitter; approval_decision approves or rejects the
// session's pending approval; the remaining intents only read existing state.
//
// Session persistence is grounded on session.Store
// (CreateSession/EndSession/UpsertRun/ListRunsBySession); this package
// reuses that package's types directly rather than redefining them.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskorch/orchestrator/hitl"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/session"
	"github.com/taskorch/orchestrator/statestore"
)

// Intent is the five-way classification a chat message resolves to.
type Intent string

const (
	IntentTaskSubmission   Intent = "task_submission"
	IntentStatusQuery      Intent = "status_query"
	IntentApprovalDecision Intent = "approval_decision"
	IntentClarification    Intent = "clarification"
	IntentGeneralQuery     Intent = "general_query"
)

// TaskSubmission is what a task_submission intent produces, mirroring the
// /orchestrate HTTP response shape so both entry points stay consistent.
type TaskSubmission struct {
	TaskID            string
	Subtasks          []string
	RoutingPlan       string
	Status            string
	ApprovalRequestID string
	ExternalRef       string
	RiskLevel         string
}

// TaskSubmitter starts a new task from free-form text. Implemented by the
// Task Intake API's Server so both /orchestrate and /chat share one
// risk-assess-then-route code path instead of duplicating it.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, description string) (TaskSubmission, error)
}

// Reply is what HandleMessage returns to the caller of /chat.
type Reply struct {
	SessionID string
	Intent    Intent
	Text      string
	Task      *TaskSubmission
}

var (
	// ErrSessionEnded indicates the caller addressed a session that has
	// already been ended; start a new session_id instead.
	ErrSessionEnded = errors.New("intake: session has ended")
	// ErrEmptyMessage indicates the caller sent an empty message body.
	ErrEmptyMessage = errors.New("intake: message is required")
)

// Service implements the Session/Intake Classifier.
type Service struct {
	sessions  session.Store
	classify  Classifier
	submitter TaskSubmitter
	states    statestore.Store
	approvals *hitl.Manager
	logger    telemetry.Logger
	now       func() time.Time
}

// Dependencies wires a Service's collaborators.
type Dependencies struct {
	Sessions  session.Store
	Classify  Classifier
	Submitter TaskSubmitter
	States    statestore.Store
	Approvals *hitl.Manager
	Logger    telemetry.Logger
}

// New builds a Service from its dependencies.
func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		sessions:  deps.Sessions,
		classify:  deps.Classify,
		submitter: deps.Submitter,
		states:    deps.States,
		approvals: deps.Approvals,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleMessage classifies message and routes it, creating sessionID if it
// does not already exist.
func (s *Service) HandleMessage(ctx context.Context, sessionID, message string) (Reply, error) {
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}
	sess, err := s.sessions.CreateSession(ctx, sessionID, s.now())
	if err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			return Reply{}, ErrSessionEnded
		}
		return Reply{}, fmt.Errorf("intake: create session: %w", err)
	}

	intent, err := s.classify.Classify(ctx, message)
	if err != nil {
		return Reply{}, fmt.Errorf("intake: classify: %w", err)
	}
	s.logger.Info(ctx, "intake.classified", "session_id", sess.ID, "intent", string(intent))

	switch intent {
	case IntentTaskSubmission:
		return s.handleTaskSubmission(ctx, sess.ID, message)
	case IntentStatusQuery:
		return s.handleStatusQuery(ctx, sess.ID)
	case IntentApprovalDecision:
		return s.handleApprovalDecision(ctx, sess.ID, message)
	case IntentClarification:
		return Reply{SessionID: sess.ID, Intent: intent,
			Text: "Could you clarify what you'd like me to do? I can start a task, check on one, or record an approval decision."}, nil
	default:
		return Reply{SessionID: sess.ID, Intent: IntentGeneralQuery,
			Text: "I can submit tasks, report on their status, or record approval decisions — try describing a task or asking about one."}, nil
	}
}

func (s *Service) handleTaskSubmission(ctx context.Context, sessionID, message string) (Reply, error) {
	if s.submitter == nil {
		return Reply{}, errors.New("intake: no task submitter configured")
	}
	submission, err := s.submitter.SubmitTask(ctx, message)
	if err != nil {
		return Reply{}, fmt.Errorf("intake: submit task: %w", err)
	}
	if err := s.sessions.UpsertRun(ctx, session.RunMeta{
		AgentID:   "intake",
		RunID:     submission.TaskID,
		SessionID: sessionID,
		Status:    runStatusFor(submission),
	}); err != nil {
		return Reply{}, fmt.Errorf("intake: record run: %w", err)
	}
	text := fmt.Sprintf("Started task %s.", submission.TaskID)
	if submission.Status == "approval_pending" {
		text = fmt.Sprintf("Task %s requires %s-risk approval before it runs (request %s).",
			submission.TaskID, submission.RiskLevel, submission.ApprovalRequestID)
	}
	result := submission
	return Reply{SessionID: sessionID, Intent: IntentTaskSubmission, Text: text, Task: &result}, nil
}

func runStatusFor(s TaskSubmission) session.RunStatus {
	if s.Status == "approval_pending" {
		return session.RunStatusPaused
	}
	return session.RunStatusRunning
}

func (s *Service) handleStatusQuery(ctx context.Context, sessionID string) (Reply, error) {
	runs, err := s.sessions.ListRunsBySession(ctx, sessionID, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("intake: list runs: %w", err)
	}
	if len(runs) == 0 {
		return Reply{SessionID: sessionID, Intent: IntentStatusQuery,
			Text: "You haven't started any tasks in this session yet."}, nil
	}
	latest := mostRecentRun(runs)
	state, err := s.states.Get(ctx, latest.RunID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return Reply{SessionID: sessionID, Intent: IntentStatusQuery,
				Text: fmt.Sprintf("Task %s is awaiting approval and has not started executing yet.", latest.RunID)}, nil
		}
		return Reply{}, fmt.Errorf("intake: load workflow state: %w", err)
	}
	return Reply{SessionID: sessionID, Intent: IntentStatusQuery,
		Text: fmt.Sprintf("Task %s is %s (current step: %s).", latest.RunID, state.Status, state.CurrentStep)}, nil
}

func (s *Service) handleApprovalDecision(ctx context.Context, sessionID, message string) (Reply, error) {
	if s.approvals == nil {
		return Reply{}, errors.New("intake: no approval manager configured")
	}
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("intake: list pending approvals: %w", err)
	}
	runs, err := s.sessions.ListRunsBySession(ctx, sessionID, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("intake: list runs: %w", err)
	}
	runIDs := make(map[string]struct{}, len(runs))
	for _, r := range runs {
		runIDs[r.RunID] = struct{}{}
	}
	var match *hitl.Request
	for i := range pending {
		if _, ok := runIDs[pending[i].WorkflowID]; ok {
			match = &pending[i]
			break
		}
	}
	if match == nil {
		return Reply{SessionID: sessionID, Intent: IntentApprovalDecision,
			Text: "There's no pending approval to act on right now."}, nil
	}
	if decisionIsApproval(message) {
		if _, err := s.approvals.Approve(ctx, match.ID, sessionID, "operator"); err != nil {
			return Reply{}, fmt.Errorf("intake: approve %s: %w", match.ID, err)
		}
		return Reply{SessionID: sessionID, Intent: IntentApprovalDecision,
			Text: fmt.Sprintf("Approved request %s.", match.ID)}, nil
	}
	if _, err := s.approvals.Reject(ctx, match.ID, sessionID, "operator", "rejected via chat"); err != nil {
		return Reply{}, fmt.Errorf("intake: reject %s: %w", match.ID, err)
	}
	return Reply{SessionID: sessionID, Intent: IntentApprovalDecision,
		Text: fmt.Sprintf("Rejected request %s.", match.ID)}, nil
}

var rejectionWords = []string{"reject", "deny", "no", "don't", "do not", "stop", "cancel"}

// decisionIsApproval reports whether message reads as an approval rather
// than a rejection. Rejection words are checked first so "no, don't deploy"
// is not misread as approval by a later "go" substring match.
func decisionIsApproval(message string) bool {
	lower := strings.ToLower(message)
	for _, w := range rejectionWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

func mostRecentRun(runs []session.RunMeta) session.RunMeta {
	latest := runs[0]
	for _, r := range runs[1:] {
		if r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	return latest
}
