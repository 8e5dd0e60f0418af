package intake_test

import (
	"context"
	"testing"

	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/llmclient"
)

func TestTwoTierClassifier_KeywordTierMatchesWithoutLLM(t *testing.T) {
	c := intake.NewTwoTierClassifier(nil, "")
	cases := map[string]intake.Intent{
		"please deploy the payments service":   intake.IntentTaskSubmission,
		"what's the status of my last task":    intake.IntentStatusQuery,
		"approved, go ahead":                   intake.IntentApprovalDecision,
		"i don't understand, can you clarify?": intake.IntentClarification,
	}
	for msg, want := range cases {
		got, err := c.Classify(context.Background(), msg)
		if err != nil {
			t.Fatalf("Classify(%q): %v", msg, err)
		}
		if got != want {
			t.Fatalf("Classify(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestTwoTierClassifier_FallsBackToGeneralQueryWithoutLLM(t *testing.T) {
	c := intake.NewTwoTierClassifier(nil, "")
	got, err := c.Classify(context.Background(), "tell me a joke")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != intake.IntentGeneralQuery {
		t.Fatalf("Classify = %q, want general_query", got)
	}
}

type stubLLM struct {
	content string
	err     error
}

func (s stubLLM) Complete(context.Context, llmclient.Request) (llmclient.Response, error) {
	if s.err != nil {
		return llmclient.Response{}, s.err
	}
	return llmclient.Response{Content: s.content}, nil
}

func TestTwoTierClassifier_FallsBackToLLMOnUnmatchedKeywords(t *testing.T) {
	c := intake.NewTwoTierClassifier(stubLLM{content: "status_query"}, "test-model")
	got, err := c.Classify(context.Background(), "any news on that thing we talked about?")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != intake.IntentStatusQuery {
		t.Fatalf("Classify = %q, want status_query", got)
	}
}

func TestTwoTierClassifier_LLMErrorPropagates(t *testing.T) {
	c := intake.NewTwoTierClassifier(stubLLM{err: context.DeadlineExceeded}, "test-model")
	_, err := c.Classify(context.Background(), "any news on that thing we talked about?")
	if err == nil {
		t.Fatal("expected an error when the LLM call fails")
	}
}
