package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskorch/orchestrator/llmclient"
)

// Classifier resolves a chat message into an Intent.
type Classifier interface {
	Classify(ctx context.Context, message string) (Intent, error)
}

// TwoTierClassifier tries a fast keyword match first; when no keyword rule
// fires, it falls back to a bounded LLM prompt, per spec.md §4.12. The LLM
// tier is optional: when llm is nil, an unmatched message classifies as
// IntentGeneralQuery rather than erroring, so the classifier degrades
// gracefully without an LLM client configured.
type TwoTierClassifier struct {
	llm   llmclient.Client
	model string
}

// NewTwoTierClassifier builds a TwoTierClassifier. model selects the LLM
// used by the fallback tier; it is ignored when llm is nil.
func NewTwoTierClassifier(llm llmclient.Client, model string) *TwoTierClassifier {
	return &TwoTierClassifier{llm: llm, model: model}
}

// Classify implements Classifier.
func (c *TwoTierClassifier) Classify(ctx context.Context, message string) (Intent, error) {
	if intent, ok := classifyByKeyword(message); ok {
		return intent, nil
	}
	if c.llm == nil {
		return IntentGeneralQuery, nil
	}
	return c.classifyByLLM(ctx, message)
}

var (
	taskSubmissionKeywords = []string{
		"deploy", "implement", "build", "add", "remove", "fix", "create",
		"migrate", "refactor", "upgrade", "rollback", "release", "patch",
	}
	statusQueryKeywords = []string{
		"status", "progress", "how's it going", "is it done", "what's happening",
		"where are we", "still running",
	}
	approvalKeywords = []string{
		"approve", "approved", "reject", "rejected", "deny", "denied",
		"looks good", "go ahead", "don't proceed", "do not proceed",
	}
	clarificationKeywords = []string{
		"what do you mean", "i don't understand", "can you clarify", "unclear",
	}
)

// classifyByKeyword implements the fast tier: a case-insensitive substring
// match against small per-intent keyword lists. Task submission and
// approval decisions are checked before status/clarification so an
// imperative like "fix the deploy status page" still routes to
// task_submission rather than status_query.
func classifyByKeyword(message string) (Intent, bool) {
	lower := strings.ToLower(message)
	if containsAny(lower, approvalKeywords) {
		return IntentApprovalDecision, true
	}
	if containsAny(lower, taskSubmissionKeywords) {
		return IntentTaskSubmission, true
	}
	if containsAny(lower, statusQueryKeywords) {
		return IntentStatusQuery, true
	}
	if containsAny(lower, clarificationKeywords) {
		return IntentClarification, true
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

const classifyPrompt = `Classify the user's message into exactly one of these intents:
task_submission - the user wants to start a new development task
status_query - the user is asking about the status of an existing task
approval_decision - the user is approving or rejecting a pending request
clarification - the user is confused and wants the assistant to clarify itself
general_query - anything else

Respond with only the intent name, nothing else.`

func (c *TwoTierClassifier) classifyByLLM(ctx context.Context, message string) (Intent, error) {
	resp, err := c.llm.Complete(ctx, llmclient.Request{
		Model:     c.model,
		System:    classifyPrompt,
		MaxTokens: 16,
		Messages: []llmclient.Message{
			{Role: llmclient.RoleUser, Content: message},
		},
	})
	if err != nil {
		return "", fmt.Errorf("intake: llm classify: %w", err)
	}
	return parseIntent(resp.Content), nil
}

func parseIntent(raw string) Intent {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(IntentTaskSubmission):
		return IntentTaskSubmission
	case string(IntentStatusQuery):
		return IntentStatusQuery
	case string(IntentApprovalDecision):
		return IntentApprovalDecision
	case string(IntentClarification):
		return IntentClarification
	default:
		return IntentGeneralQuery
	}
}
