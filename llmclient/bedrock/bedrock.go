// Package bedrock adapts the AWS Bedrock Converse API to llmclient.Client.
// It mirrors features/model/bedrock.Client's request pipeline, narrowed to
// the single-shot, text-only completion shape llmclient needs: no tool
// configuration, no streaming, no thinking budget.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/taskorch/orchestrator/llmclient"
)

// RuntimeClient is the subset of *bedrockruntime.Client this adapter calls,
// so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// DefaultModel is used when a Request does not specify Model (a Bedrock
	// model ID, e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0").
	DefaultModel string
	// MaxTokens is used when a Request does not specify MaxTokens.
	MaxTokens int
	// Temperature is used when a Request does not specify Temperature.
	Temperature float32
}

// Client implements llmclient.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds a Client from an existing Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("llmclient/bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("llmclient/bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	if len(req.Messages) == 0 {
		return llmclient.Response{}, llmclient.ErrEmptyMessages
	}

	var conversation []brtypes.Message
	var system []brtypes.SystemContentBlock
	for _, m := range req.Messages {
		switch m.Role {
		case llmclient.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case llmclient.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case llmclient.RoleAssistant:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return llmclient.Response{}, fmt.Errorf("llmclient/bedrock: unsupported message role %q", m.Role)
		}
	}
	if req.System != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}
	if len(conversation) == 0 {
		return llmclient.Response{}, llmclient.ErrEmptyMessages
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := c.inferenceConfig(req.MaxTokens, float32(req.Temperature)); cfg != nil {
		input.InferenceConfig = cfg
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llmclient.Response{}, fmt.Errorf("%w: %w", llmclient.ErrRateLimited, err)
		}
		return llmclient.Response{}, fmt.Errorf("llmclient/bedrock: converse: %w", err)
	}
	return translateOutput(output, modelID)
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // bounded by config, not user input
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func translateOutput(output *bedrockruntime.ConverseOutput, modelID string) (llmclient.Response, error) {
	if output == nil {
		return llmclient.Response{}, errors.New("llmclient/bedrock: response is nil")
	}
	resp := llmclient.Response{
		StopReason: string(output.StopReason),
		Model:      modelID,
	}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Content += text.Value
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = llmclient.Usage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRateLimited treats both HTTP 429 responses and provider throttling error
// codes as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
