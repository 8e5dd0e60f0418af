package intake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskorch/orchestrator/hitl"
	hitlinmem "github.com/taskorch/orchestrator/hitl/inmem"
	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/session"
	sessioninmem "github.com/taskorch/orchestrator/session/inmem"
	"github.com/taskorch/orchestrator/statestore"
	statestoreinmem "github.com/taskorch/orchestrator/statestore/inmem"
)

type stubClassifier struct {
	intent intake.Intent
	err    error
}

func (c stubClassifier) Classify(context.Context, string) (intake.Intent, error) {
	return c.intent, c.err
}

type stubSubmitter struct {
	submission intake.TaskSubmission
	err        error
	calls      int
}

func (s *stubSubmitter) SubmitTask(context.Context, string) (intake.TaskSubmission, error) {
	s.calls++
	return s.submission, s.err
}

type noopNotifier struct{}

func (noopNotifier) NotifyResolved(context.Context, hitl.Request) error { return nil }

func newApprovals(t *testing.T) *hitl.Manager {
	t.Helper()
	return hitl.New(hitlinmem.New(), noopNotifier{}, map[string][]string{
		"high": {"operator"},
	})
}

func TestHandleMessage_RejectsEmptyMessage(t *testing.T) {
	svc := intake.New(intake.Dependencies{
		Sessions: sessioninmem.New(),
		Classify: stubClassifier{intent: intake.IntentGeneralQuery},
		Logger:   telemetry.NewNoopLogger(),
	})
	_, err := svc.HandleMessage(context.Background(), "sess-1", "")
	if !errors.Is(err, intake.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestHandleMessage_TaskSubmissionCallsSubmitterAndRecordsRun(t *testing.T) {
	sessions := sessioninmem.New()
	submitter := &stubSubmitter{submission: intake.TaskSubmission{TaskID: "task-1", Status: "running"}}
	svc := intake.New(intake.Dependencies{
		Sessions:  sessions,
		Classify:  stubClassifier{intent: intake.IntentTaskSubmission},
		Submitter: submitter,
		Logger:    telemetry.NewNoopLogger(),
	})

	reply, err := svc.HandleMessage(context.Background(), "sess-1", "build the new widget")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Intent != intake.IntentTaskSubmission {
		t.Fatalf("intent = %q, want task_submission", reply.Intent)
	}
	if reply.Task == nil || reply.Task.TaskID != "task-1" {
		t.Fatalf("reply.Task = %+v, want TaskID task-1", reply.Task)
	}
	if submitter.calls != 1 {
		t.Fatalf("submitter called %d times, want 1", submitter.calls)
	}

	runs, err := sessions.ListRunsBySession(context.Background(), "sess-1", nil)
	if err != nil {
		t.Fatalf("ListRunsBySession: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "task-1" {
		t.Fatalf("runs = %+v, want one run for task-1", runs)
	}
}

func TestHandleMessage_TaskSubmissionWithoutSubmitterErrors(t *testing.T) {
	svc := intake.New(intake.Dependencies{
		Sessions: sessioninmem.New(),
		Classify: stubClassifier{intent: intake.IntentTaskSubmission},
		Logger:   telemetry.NewNoopLogger(),
	})
	_, err := svc.HandleMessage(context.Background(), "sess-1", "build the new widget")
	if err == nil {
		t.Fatal("expected an error with no submitter configured")
	}
}

func TestHandleMessage_StatusQueryWithNoRunsIsFriendly(t *testing.T) {
	svc := intake.New(intake.Dependencies{
		Sessions: sessioninmem.New(),
		Classify: stubClassifier{intent: intake.IntentStatusQuery},
		States:   statestoreinmem.New(),
		Logger:   telemetry.NewNoopLogger(),
	})
	reply, err := svc.HandleMessage(context.Background(), "sess-1", "how's it going?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Text == "" {
		t.Fatal("expected a non-empty reply for a session with no runs")
	}
}

func TestHandleMessage_StatusQueryReportsWorkflowState(t *testing.T) {
	sessions := sessioninmem.New()
	states := statestoreinmem.New()
	ctx := context.Background()

	if _, err := sessions.CreateSession(ctx, "sess-1", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sessions.UpsertRun(ctx, session.RunMeta{
		AgentID: "intake", RunID: "task-1", SessionID: "sess-1", Status: session.RunStatusRunning,
	}); err != nil {
		t.Fatalf("UpsertRun: %v", err)
	}
	if err := states.Put(ctx, statestore.WorkflowState{
		WorkflowID: "task-1", Status: "running", CurrentStep: "do_work",
	}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	svc := intake.New(intake.Dependencies{
		Sessions: sessions,
		Classify: stubClassifier{intent: intake.IntentStatusQuery},
		States:   states,
		Logger:   telemetry.NewNoopLogger(),
	})
	reply, err := svc.HandleMessage(ctx, "sess-1", "what's the status?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Text == "" {
		t.Fatal("expected a status reply")
	}
}

func TestHandleMessage_ApprovalDecisionApprovesMatchingRequest(t *testing.T) {
	sessions := sessioninmem.New()
	approvals := newApprovals(t)
	ctx := context.Background()

	if _, err := sessions.CreateSession(ctx, "sess-1", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sessions.UpsertRun(ctx, session.RunMeta{
		AgentID: "intake", RunID: "task-1", SessionID: "sess-1", Status: session.RunStatusPaused,
	}); err != nil {
		t.Fatalf("UpsertRun: %v", err)
	}
	req, err := approvals.Create(ctx, hitl.Request{ID: "appr-1", WorkflowID: "task-1", RiskLevel: "low"})
	if err != nil {
		t.Fatalf("Create approval: %v", err)
	}

	svc := intake.New(intake.Dependencies{
		Sessions:  sessions,
		Classify:  stubClassifier{intent: intake.IntentApprovalDecision},
		Approvals: approvals,
		Logger:    telemetry.NewNoopLogger(),
	})
	reply, err := svc.HandleMessage(ctx, "sess-1", "looks good, go ahead")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Text == "" {
		t.Fatal("expected a non-empty reply")
	}

	resolved, err := approvals.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resolved.Status != hitl.StatusApproved {
		t.Fatalf("status = %q, want approved", resolved.Status)
	}
}

func TestHandleMessage_ApprovalDecisionRejectsOnNegativeWording(t *testing.T) {
	sessions := sessioninmem.New()
	approvals := newApprovals(t)
	ctx := context.Background()

	if _, err := sessions.CreateSession(ctx, "sess-1", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sessions.UpsertRun(ctx, session.RunMeta{
		AgentID: "intake", RunID: "task-1", SessionID: "sess-1", Status: session.RunStatusPaused,
	}); err != nil {
		t.Fatalf("UpsertRun: %v", err)
	}
	req, err := approvals.Create(ctx, hitl.Request{ID: "appr-1", WorkflowID: "task-1", RiskLevel: "low"})
	if err != nil {
		t.Fatalf("Create approval: %v", err)
	}

	svc := intake.New(intake.Dependencies{
		Sessions:  sessions,
		Classify:  stubClassifier{intent: intake.IntentApprovalDecision},
		Approvals: approvals,
		Logger:    telemetry.NewNoopLogger(),
	})
	if _, err := svc.HandleMessage(ctx, "sess-1", "no, don't proceed with this"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	resolved, err := approvals.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resolved.Status != hitl.StatusRejected {
		t.Fatalf("status = %q, want rejected", resolved.Status)
	}
}

func TestHandleMessage_ApprovalDecisionWithNoPendingMatchIsFriendly(t *testing.T) {
	svc := intake.New(intake.Dependencies{
		Sessions:  sessioninmem.New(),
		Classify:  stubClassifier{intent: intake.IntentApprovalDecision},
		Approvals: newApprovals(t),
		Logger:    telemetry.NewNoopLogger(),
	})
	reply, err := svc.HandleMessage(context.Background(), "sess-1", "approved")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Text == "" {
		t.Fatal("expected a non-empty reply")
	}
}

func TestHandleMessage_ClarificationAndGeneralQueryReturnCannedReplies(t *testing.T) {
	for _, intent := range []intake.Intent{intake.IntentClarification, intake.IntentGeneralQuery} {
		svc := intake.New(intake.Dependencies{
			Sessions: sessioninmem.New(),
			Classify: stubClassifier{intent: intent},
			Logger:   telemetry.NewNoopLogger(),
		})
		reply, err := svc.HandleMessage(context.Background(), "sess-1", "hmm")
		if err != nil {
			t.Fatalf("HandleMessage(%s): %v", intent, err)
		}
		if reply.Text == "" {
			t.Fatalf("expected a non-empty reply for intent %s", intent)
		}
	}
}

func TestHandleMessage_EndedSessionIsRejected(t *testing.T) {
	sessions := sessioninmem.New()
	ctx := context.Background()
	if _, err := sessions.CreateSession(ctx, "sess-1", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sessions.EndSession(ctx, "sess-1", time.Now()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	svc := intake.New(intake.Dependencies{
		Sessions: sessions,
		Classify: stubClassifier{intent: intake.IntentGeneralQuery},
		Logger:   telemetry.NewNoopLogger(),
	})
	_, err := svc.HandleMessage(ctx, "sess-1", "hello again")
	if !errors.Is(err, intake.ErrSessionEnded) {
		t.Fatalf("err = %v, want ErrSessionEnded", err)
	}
}
