package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/llmclient"
	"github.com/taskorch/orchestrator/llmclient/bedrock"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

type throttleError struct{}

func (throttleError) Error() string                 { return "throttled" }
func (throttleError) ErrorCode() string             { return "ThrottlingException" }
func (throttleError) ErrorMessage() string          { return "rate exceeded" }
func (throttleError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestComplete_TranslatesTextResponse(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "routing plan: escalate"},
				},
			}},
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(30),
				OutputTokens: aws.Int32(6),
			},
			StopReason: brtypes.StopReasonEndTurn,
		},
	}
	client, err := bedrock.New(mock, bedrock.Options{
		DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens:    256,
	})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llmclient.Request{
		System: "classify the request",
		Messages: []llmclient.Message{
			{Role: llmclient.RoleUser, Content: "deploy the new auth service"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "routing plan: escalate", resp.Content)
	require.Equal(t, string(brtypes.StopReasonEndTurn), resp.StopReason)
	require.Equal(t, 30, resp.Usage.InputTokens)
	require.Equal(t, 6, resp.Usage.OutputTokens)

	require.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", *mock.captured.ModelId)
	require.Len(t, mock.captured.System, 1)
	require.Len(t, mock.captured.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, mock.captured.Messages[0].Role)
}

func TestComplete_RejectsEmptyMessages(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "id", MaxTokens: 64})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llmclient.Request{})
	require.ErrorIs(t, err, llmclient.ErrEmptyMessages)
}

func TestComplete_WrapsThrottlingAsRateLimited(t *testing.T) {
	mock := &mockRuntime{err: throttleError{}}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "id", MaxTokens: 64})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llmclient.Request{
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, llmclient.ErrRateLimited)
}

func TestNew_RequiresDefaultModel(t *testing.T) {
	_, err := bedrock.New(&mockRuntime{}, bedrock.Options{})
	require.Error(t, err)
}
