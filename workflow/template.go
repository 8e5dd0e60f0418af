// Package workflow implements the Workflow Engine: it executes a directed
// graph of typed nodes (agent, decision, approval, parallel, map_reduce) on
// top of the engine.Engine durable-execution abstraction, folding each
// node's result into the Event Store / State Store and handling
// interrupt/resume, conditional routing, retry/rollback, resource-lock
// ordering, and cancellation cascade.
package workflow

import "time"

// NodeKind identifies a node's execution contract.
type NodeKind string

const (
	// NodeAgent invokes a named agent with a selected tool set and collects
	// structured output.
	NodeAgent NodeKind = "agent"
	// NodeDecision invokes the LLM (or a rule function) to select one of
	// several outgoing edges.
	NodeDecision NodeKind = "decision"
	// NodeApproval calls the HITL Manager; a non-nil pending request
	// interrupts the workflow until it resolves.
	NodeApproval NodeKind = "approval"
	// NodeParallel runs a set of agent nodes of the same template
	// concurrently as activities and joins on either all-complete or
	// first-failure (the default).
	NodeParallel NodeKind = "parallel"
	// NodeMapReduce splits work over a list, executes a node uniformly over
	// each item, then reduces to an aggregate result.
	NodeMapReduce NodeKind = "map_reduce"
)

// JoinPolicy controls how a parallel node waits on its children.
type JoinPolicy string

const (
	JoinAllComplete  JoinPolicy = "all_complete"
	JoinFirstFailure JoinPolicy = "first_failure"
)

type (
	// Backoff parameterizes a node's retry delay: base, doubling up to cap,
	// with jitter applied on each attempt.
	Backoff struct {
		Base   time.Duration
		Cap    time.Duration
		Jitter float64
	}

	// RetryPolicy is a per-node retry policy. RetryOn names the error
	// classes that are retried (e.g. "timeout", "unavailable"); errors
	// outside this set (authorization, validation) fail immediately.
	RetryPolicy struct {
		MaxAttempts int
		Backoff     Backoff
		RetryOn     []string
	}

	// EdgeTable matches a decision node's output label against an exact-match
	// map, falling back to Default. A label absent from both Edges and
	// Default is a routing failure.
	EdgeTable struct {
		Edges   map[string]string
		Default string
	}

	// Node is one vertex of a workflow template.
	Node struct {
		ID   string
		Kind NodeKind

		// AgentName selects the agent to invoke for NodeAgent.
		AgentName string
		// ToolTags gates which catalog tags the agent's tool selection may
		// draw from for this node.
		ToolTags []string

		// DecisionRule names the rule or LLM prompt template a NodeDecision
		// node evaluates.
		DecisionRule string
		// Routes is the edge table a NodeDecision node's output is matched
		// against.
		Routes EdgeTable

		// ApprovalSummary is the human-readable text shown to an approver
		// for NodeApproval.
		ApprovalSummary string
		// ApprovalRiskLevel classifies a NodeApproval request for routing
		// and escalation (e.g. "low", "high").
		ApprovalRiskLevel string
		// ApprovalTTL bounds how long a NodeApproval request waits before
		// it expires. Zero means no expiry.
		ApprovalTTL time.Duration

		// Children lists the IDs of the agent nodes, in this template, that
		// a NodeParallel node runs concurrently.
		Children []string
		// Join controls how a NodeParallel node waits on Children.
		Join JoinPolicy

		// MapOverField names the state_delta field holding the list a
		// NodeMapReduce node splits over.
		MapOverField string
		// ItemNode names the node applied uniformly to each list item.
		ItemNode string
		// ReduceNode names the node applied to the collected per-item
		// results to produce the aggregate.
		ReduceNode string

		// Next is the edge followed on success for nodes other than
		// NodeDecision (whose next edge comes from Routes).
		Next string

		// Needs lists resource IDs this node must hold locks on for the
		// duration of its execution; acquired in lexicographic order.
		Needs []string

		// Retry is this node's retry policy. A zero value means the engine's
		// default (single attempt, no retry).
		Retry RetryPolicy
		// RollbackStep names a node dispatched with the latest known-good
		// state if this node terminally fails. Empty means no rollback.
		RollbackStep string
		// Timeout bounds each attempt of this node's execution; every retry
		// gets a fresh timeout.
		Timeout time.Duration
	}

	// Template is a named, directed graph of nodes plus its entry point.
	Template struct {
		Name       string
		EntryNode  string
		Nodes      map[string]Node
		TaskQueue  string
	}
)

// Node looks up a node by ID, returning ok=false if absent.
func (t Template) Node(id string) (Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// RetryableError classes recognized by the default retry classifier.
const (
	ErrClassTimeout       = "timeout"
	ErrClassUnavailable   = "unavailable"
	ErrClassAuthorization = "authorization"
	ErrClassValidation    = "validation"
	ErrClassInternal      = "internal"
)

// Retryable reports whether errClass is in policy's RetryOn set. A policy
// with an empty RetryOn set retries timeout and unavailable by default.
func (p RetryPolicy) Retryable(errClass string) bool {
	if len(p.RetryOn) == 0 {
		return errClass == ErrClassTimeout || errClass == ErrClassUnavailable
	}
	for _, c := range p.RetryOn {
		if c == errClass {
			return true
		}
	}
	return false
}
