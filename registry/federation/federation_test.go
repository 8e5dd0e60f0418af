package federation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/taskorch/orchestrator/toolselector"
)

// fakeInvoker implements Invoker directly, mirroring the mock-the-generated-
// client style used for registry gRPC adapters in the teacher repo.
type fakeInvoker struct {
	gotMethod string
	gotArgs   *structpb.Struct
	reply     *structpb.Struct
	err       error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.gotMethod = method
	f.gotArgs = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	out := reply.(*structpb.Struct)
	*out = *f.reply
	return nil
}

func TestClient_Search_DecodesTools(t *testing.T) {
	tools := []toolselector.Tool{{ID: "search_docs", Name: "search_docs"}}
	body, err := json.Marshal(tools)
	require.NoError(t, err)
	reply, err := structpb.NewStruct(map[string]any{"tools_json": string(body)})
	require.NoError(t, err)

	invoker := &fakeInvoker{reply: reply}
	client := NewClient(invoker)

	got, err := client.Search(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, searchMethod, invoker.gotMethod)
	assert.Equal(t, "search", invoker.gotArgs.Fields["query"].GetStringValue())
	require.Len(t, got, 1)
	assert.Equal(t, "search_docs", got[0].ID)
}

type fakeSearcher struct {
	tools []toolselector.Tool
}

func (f fakeSearcher) Search(_ context.Context, _ string) ([]toolselector.Tool, error) {
	return f.tools, nil
}

func TestHandleSearch_EncodesTools(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"query": "deploy"})
	require.NoError(t, err)

	out, err := handleSearch(fakeSearcher{tools: []toolselector.Tool{{ID: "deploy_service"}}}, context.Background(), in)
	require.NoError(t, err)

	var tools []toolselector.Tool
	require.NoError(t, json.Unmarshal([]byte(out.Fields["tools_json"].GetStringValue()), &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "deploy_service", tools[0].ID)
}
