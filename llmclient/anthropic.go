package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK client this adapter
// calls, so tests can substitute a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter's defaults.
type Options struct {
	// DefaultModel is used when a Request does not specify Model.
	DefaultModel string
	// MaxTokens is used when a Request does not specify MaxTokens.
	MaxTokens int
	// Temperature is used when a Request does not specify Temperature.
	Temperature float64
}

// AnthropicClient implements Client against the direct Anthropic Messages
// API.
type AnthropicClient struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an AnthropicClient from an existing Messages client.
func New(msg MessagesClient, opts Options) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("llmclient: anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("llmclient: default model identifier is required")
	}
	return &AnthropicClient{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an AnthropicClient using the SDK's default HTTP
// client, authenticated with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a single Messages.New call and translates the response.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, ErrEmptyMessages
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return Response{}, errors.New("llmclient: max_tokens must be positive")
	}

	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return Response{}, fmt.Errorf("llmclient: unsupported message role %q", m.Role)
		}
	}
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	if len(conversation) == 0 {
		return Response{}, ErrEmptyMessages
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("llmclient: anthropic messages.new: %w", err)
	}
	return translateMessage(msg), nil
}

func translateMessage(msg *sdk.Message) Response {
	resp := Response{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	return resp
}

// isRateLimited reports whether err came from a 429 response. The SDK wraps
// transport errors in its own error type rather than a plain status code, so
// this falls back to matching the message text the SDK renders for HTTP
// errors; replace with a typed check if the SDK exposes one later.
func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
