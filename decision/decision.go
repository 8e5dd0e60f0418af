// Package decision implements the Workflow Engine's workflow.DecisionMaker:
// evaluating a decision node's DecisionRule to pick one of several outgoing
// edges (spec.md §4.10 — "decision node: invoke the LLM (or a rule
// function) to select one of several outgoing edges").
//
// The two-tier shape — a fast deterministic path tried first, an LLM
// fallback for anything it doesn't cover — mirrors intake.TwoTierClassifier
// exactly, generalized from intent classification to edge selection: a
// template author registers a RuleFunc under a DecisionRule name for the
// routing logic that's cheap to express as plain Go, and leaves everything
// else to fall through to the LLM tier.
package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskorch/orchestrator/llmclient"
	"github.com/taskorch/orchestrator/workflow"
)

// RuleFunc evaluates a decision node's state in-process and returns the
// edge label to route on.
type RuleFunc func(ctx context.Context, req workflow.DecisionRequest) (string, error)

// Maker implements workflow.DecisionMaker. DecisionRequest.Rule first
// matches a registered RuleFunc by name; when nothing matches, the request
// falls back to an LLM prompt built from Rule (treated as an instruction
// template) and the request's State. The node's route labels are not part of
// the prompt.
type Maker struct {
	rules  map[string]RuleFunc
	llm    llmclient.Client
	model  string
}

// New builds a Maker. llm may be nil: a DecisionRule with no matching
// RuleFunc and no LLM client configured is an error rather than a silent
// default edge, since routing incorrectly (unlike intake's classifier,
// which can fall back to a generic reply) can send a workflow down the
// wrong branch.
func New(llm llmclient.Client, model string) *Maker {
	return &Maker{rules: make(map[string]RuleFunc), llm: llm, model: model}
}

// RegisterRule associates name with fn. Template authors call this once per
// DecisionRule name that should route via a pure function rather than an
// LLM call.
func (m *Maker) RegisterRule(name string, fn RuleFunc) {
	m.rules[name] = fn
}

var _ workflow.DecisionMaker = (*Maker)(nil)

// Decide implements workflow.DecisionMaker.
func (m *Maker) Decide(ctx context.Context, req workflow.DecisionRequest) (string, error) {
	if fn, ok := m.rules[req.Rule]; ok {
		return fn(ctx, req)
	}
	if m.llm == nil {
		return "", fmt.Errorf("decision: no rule registered for %q and no LLM client configured", req.Rule)
	}
	return m.decideByLLM(ctx, req)
}

const decidePromptTemplate = `You are routing a workflow step. Given the
instruction and the current state, respond with only the single edge label
to route to — no punctuation, no explanation.

Instruction: %s
State: %s`

func (m *Maker) decideByLLM(ctx context.Context, req workflow.DecisionRequest) (string, error) {
	resp, err := m.llm.Complete(ctx, llmclient.Request{
		Model:       m.model,
		MaxTokens:   16,
		Temperature: 0,
		Messages: []llmclient.Message{
			{Role: llmclient.RoleUser, Content: fmt.Sprintf(decidePromptTemplate, req.Rule, summarize(req.State))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("decision: llm decide: %w", err)
	}
	label := strings.TrimSpace(resp.Content)
	if label == "" {
		return "", fmt.Errorf("decision: llm returned an empty edge label")
	}
	return label, nil
}

func summarize(state map[string]any) string {
	if len(state) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(state))
	for k, v := range state {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ", ")
}
