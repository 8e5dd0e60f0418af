// Package session defines durable chat-session lifecycle and task-run
// metadata primitives consumed by the Session/Intake Classifier (spec.md
// §4.12). A Session is the first-class conversational container a chat
// caller addresses by session_id; task runs started from that session are
// recorded against it so status queries and approval decisions can resolve
// "the task this conversation is about" without the caller repeating a task
// ID on every turn.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	//   - Session IDs are stable and caller-provided.
	//   - Sessions are created explicitly (CreateSession) and ended explicitly
	//     (EndSession).
	//   - Ended sessions are terminal: new runs must not start under an ended
	//     session.
	Session struct {
		ID        string
		Status    SessionStatus
		CreatedAt time.Time
		EndedAt   *time.Time
	}

	// RunMeta captures persistent metadata associating a workflow execution
	// with the chat session that started it.
	RunMeta struct {
		// AgentID identifies which classifier/entry path produced the run
		// ("intake" for chat-originated tasks, "api" for /orchestrate).
		AgentID string
		// RunID is the orchestrator's workflow/task ID.
		RunID string
		// SessionID associates related runs with a chat session.
		SessionID string
		Status    RunStatus
		StartedAt time.Time
		UpdatedAt time.Time
		Labels    map[string]string
		Metadata  map[string]any
	}

	// Store persists session lifecycle state and run metadata.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Contract:
		//   - Idempotent for active sessions: returns the existing session.
		//   - Returns ErrSessionEnded when the session exists but is terminal.
		CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
		// LoadSession loads an existing session. Returns ErrSessionNotFound
		// when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an already-ended session returns the stored
		// session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		// UpsertRun inserts or updates run metadata.
		UpsertRun(ctx context.Context, run RunMeta) error
		// LoadRun loads run metadata. Returns ErrRunNotFound when missing.
		LoadRun(ctx context.Context, runID string) (RunMeta, error)
		// ListRunsBySession lists runs for the given session. When statuses
		// is non-empty, only runs whose status matches one of the provided
		// values are returned.
		ListRunsBySession(ctx context.Context, sessionID string, statuses []RunStatus) ([]RunMeta, error)
	}

	// SessionStatus represents the lifecycle state of a session.
	SessionStatus string

	// RunStatus represents the lifecycle state of a run.
	RunStatus string
)

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"

	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrRunNotFound     = errors.New("run not found")
)
