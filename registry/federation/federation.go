// Package federation provides the gRPC facade the Agent Registry uses to
// search tool catalogs hosted by peer registries, mirroring the adapter
// shape of the teacher repo's runtime/registry.GRPCClientAdapter (a thin
// wrapper turning a generated client's Search RPC into the local Manager's
// search interface).
//
// Rather than a protoc-generated client/server pair, the wire message is
// google.golang.org/protobuf's well-known structpb.Struct carrying a JSON-
// encoded tool list, hand-registered against grpc.ServiceDesc/ClientConn.
// This keeps the RPC genuinely protobuf-framed without depending on this
// module's own .proto/codegen toolchain, which this repository does not
// carry (see DESIGN.md).
package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/taskorch/orchestrator/toolselector"
)

const (
	serviceName  = "taskorch.registry.Federation"
	searchMethod = "/taskorch.registry.Federation/Search"
)

type (
	// Searcher answers a federated search query with the matching tools from
	// this node's catalog.
	Searcher interface {
		Search(ctx context.Context, query string) ([]toolselector.Tool, error)
	}

	// Invoker is the subset of grpc.ClientConnInterface the Client needs;
	// *grpc.ClientConn satisfies it.
	Invoker interface {
		Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
	}

	// Client calls a peer registry's federation service.
	Client struct {
		cc Invoker
	}
)

// NewClient returns a Client issuing RPCs over cc.
func NewClient(cc Invoker) *Client {
	return &Client{cc: cc}
}

// Search implements toolselector.Catalog-compatible federated search: it
// calls the peer's Search RPC and decodes the returned tool list.
func (c *Client) Search(ctx context.Context, query string) ([]toolselector.Tool, error) {
	in, err := structpb.NewStruct(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("federation: encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, searchMethod, in, out); err != nil {
		return nil, fmt.Errorf("federation: search rpc: %w", err)
	}
	return decodeTools(out)
}

// AsCatalog adapts c to toolselector.Catalog by issuing an unfiltered
// search, letting a Selector fold federated results into its own
// role/keyword/semantic/budget pipeline rather than trusting the peer's
// ranking.
func (c *Client) AsCatalog() toolselector.Catalog {
	return catalogAdapter{client: c}
}

type catalogAdapter struct{ client *Client }

func (a catalogAdapter) List(ctx context.Context) ([]toolselector.Tool, error) {
	return a.client.Search(ctx, "")
}

func decodeTools(out *structpb.Struct) ([]toolselector.Tool, error) {
	field, ok := out.Fields["tools_json"]
	if !ok {
		return nil, nil
	}
	var tools []toolselector.Tool
	if err := json.Unmarshal([]byte(field.GetStringValue()), &tools); err != nil {
		return nil, fmt.Errorf("federation: decode tools: %w", err)
	}
	return tools, nil
}

// RegisterServer registers impl as the federation service's handler on s.
func RegisterServer(s *grpc.Server, impl Searcher) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Searcher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: searchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskorch/registry/federation.proto",
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return handleSearch(srv.(Searcher), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: searchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return handleSearch(srv.(Searcher), ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func handleSearch(impl Searcher, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query := in.Fields["query"].GetStringValue()
	tools, err := impl.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("federation: encode tools: %w", err)
	}
	return structpb.NewStruct(map[string]any{"tools_json": string(body)})
}
