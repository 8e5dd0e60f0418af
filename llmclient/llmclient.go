// Package llmclient defines the LLM request/response contract the
// orchestrator calls into at its two LLM call sites: the Session/Intake
// Classifier's fallback tier and decision.Maker's LLM fallback for
// decision nodes. It generalizes the Anthropic Messages adapter
// (features/model/anthropic.Client in the teacher repo) from a
// multi-turn agent planner's model.Client into the narrower, single-shot
// completion interface this product needs. Content generation itself is
// out of scope (see spec.md Non-goals) — only the interface and its two
// real adapters (direct Anthropic API, Bedrock-hosted Anthropic) are.
package llmclient

import (
	"context"
	"errors"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is one turn of conversation passed to Complete.
	Message struct {
		Role    Role
		Content string
	}

	// Request is a single-shot completion request: no tool use, no
	// streaming, since neither the intake classifier's fallback tier nor a
	// decision node need them.
	Request struct {
		// Model overrides the client's configured default model for this
		// call. Empty uses the default.
		Model string
		// System is the system prompt, if any.
		System string
		// Messages is the conversation history, most recent last.
		Messages []Message
		// MaxTokens bounds the completion length. Zero uses the client's
		// configured default.
		MaxTokens int
		// Temperature controls sampling randomness. Zero means unset: the
		// client's configured default applies, and when that is also zero no
		// temperature is sent and the provider's own default is used. A
		// temperature of exactly 0 cannot be requested.
		Temperature float64
	}

	// Usage reports token consumption for a completion, fed into the Task
	// Intake API's token metrics aggregate.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Response is a single-shot completion result.
	Response struct {
		Content    string
		StopReason string
		Model      string
		Usage      Usage
	}

	// Client completes a single-shot LLM request. Implementations wrap a
	// specific provider (direct Anthropic API, Bedrock-hosted Anthropic).
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting; callers (the Agent RPC retry policy, the classifier's fallback
// tier) should treat this as a retriable ExternalFailure per spec §7.
var ErrRateLimited = errors.New("llmclient: rate limited")

// ErrEmptyMessages indicates a Request had no messages to complete from.
var ErrEmptyMessages = errors.New("llmclient: messages are required")
