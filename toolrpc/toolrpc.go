// Package toolrpc implements the outbound tool-server RPC client described
// in spec.md §1 as an explicit non-goal to build the server side of: "the
// external tool servers (spoken to over a uniform `{server, tool,
// arguments} → result` RPC)." This package is the caller side of that
// uniform contract.
//
// It is grounded on runtime/mcp/caller.go, which is structurally identical
// to runtime/a2a/caller.go (a single-method Caller interface, a typed
// Error{Code, Message}), generalized here from MCP's tools/call semantics to
// the flatter {server, tool, arguments} shape this product's ToolCatalog
// describes (spec.md §4.6: "a static mapping tool_id → (server, description,
// input_schema, output_schema, tags, cost_hint)"). The transport itself
// reuses the plain net/http JSON POST/decode shape runtime/a2a/httpclient's
// Client already established for agentrpc, rather than runtime/mcp's
// SSE/JSON-RPC-2.0 envelope (ssecaller.go) or its repair-prompt retry helper
// (retry/retry.go) — this product's tool servers are not MCP servers, and
// nothing in the spec calls for a streaming transport or LLM-driven
// parameter repair.
package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskorch/orchestrator/internal/config"
	"github.com/taskorch/orchestrator/internal/telemetry"
)

// callRequest is the wire body for the uniform tool-server RPC.
type callRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error reports a protocol-level error returned in a tool server's response
// body, as opposed to an HTTP transport failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("toolrpc: tool error %s: %s", e.Code, e.Message)
}

// ServerDirectory resolves a server name (the "server" half of the
// ToolCatalog's tool_id → (server, ...) mapping) to its base endpoint.
// ToolCatalog is "immutable for the life of the process" (spec.md §4.6), so
// the default implementation is a plain static map rather than a
// heartbeat-tracked registry.Directory.
type ServerDirectory interface {
	Resolve(ctx context.Context, server string) (endpoint string, err error)
}

// StaticServers is a ServerDirectory backed by a fixed server-name →
// endpoint map, loaded once from the tool catalog config at startup.
type StaticServers map[string]string

// ErrUnknownServer is returned when a server name has no configured
// endpoint.
var ErrUnknownServer = fmt.Errorf("toolrpc: unknown server")

func (s StaticServers) Resolve(_ context.Context, server string) (string, error) {
	endpoint, ok := s[server]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	return endpoint, nil
}

// Client invokes tools on external tool servers over the uniform
// {server, tool, arguments} → result RPC.
type Client struct {
	http     *http.Client
	servers  ServerDirectory
	limiter  *rate.Limiter
	retry    RetryPolicy
	logger   telemetry.Logger
	onCall   func(server, tool string, tel telemetry.AgentTelemetry)
}

// RetryPolicy mirrors config.RetryPolicyConfig, applied only to transport
// failures, unreadable or undecodable response bodies, and 5xx responses. A
// 4xx response is not retried, and a structured Error means the tool ran
// and rejected the call (invalid arguments, unsupported tool), which a
// retry won't fix.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      time.Duration
}

// PolicyFromConfig builds a RetryPolicy from the process configuration.
func PolicyFromConfig(cfg config.RetryPolicyConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		Jitter:      time.Duration(cfg.JitterMS) * time.Millisecond,
	}
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimit caps outbound tool calls to ratePerSecond with the given
// burst, keeping a single runaway workflow step from hammering a shared
// tool server.
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst) }
}

func WithLogger(l telemetry.Logger) Option { return func(c *Client) { c.logger = l } }

// WithCallSink registers a callback fed one telemetry.AgentTelemetry record
// per completed tool call, for the same token/latency aggregation
// agentrpc.WithInvocationSink feeds on the agent side.
func WithCallSink(fn func(server, tool string, tel telemetry.AgentTelemetry)) Option {
	return func(c *Client) { c.onCall = fn }
}

// New builds a Client resolving server names from servers.
func New(servers ServerDirectory, retry RetryPolicy, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		servers: servers,
		retry:   retry,
		logger:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes tool on server with arguments, returning the raw result
// payload. Callers validate arguments/result against the tool's
// PayloadSchema/ResultSchema (toolselector.Tool) before/after this call;
// this client is a transport, not a schema validator.
func (c *Client) Call(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	endpoint, err := c.servers.Resolve(ctx, server)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := c.callWithRetry(ctx, endpoint, callRequest{Tool: tool, Arguments: arguments})
	elapsed := time.Since(started)

	tel := telemetry.AgentTelemetry{DurationMs: elapsed.Milliseconds()}
	if c.onCall != nil {
		c.onCall(server, tool, tel)
	}
	if err != nil {
		c.logger.Error(ctx, "toolrpc: call failed", "server", server, "tool", tool, "err", err)
		return nil, err
	}
	return result, nil
}

func (c *Client) callWithRetry(ctx context.Context, endpoint string, req callRequest) (json.RawMessage, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, retriable, err := c.doCall(ctx, endpoint, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retriable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("toolrpc: exhausted %d attempts: %w", attempts, lastErr)
}

func (c *Client) doCall(ctx context.Context, endpoint string, req callRequest) (json.RawMessage, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("toolrpc: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("toolrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("toolrpc: transport: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("toolrpc: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("toolrpc: %s returned %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("toolrpc: %s returned %d: %s", endpoint, resp.StatusCode, raw)
	}

	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, true, fmt.Errorf("toolrpc: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, false, &Error{Code: out.Error.Code, Message: out.Error.Message}
	}
	return out.Result, false, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffDuration(c.retry, attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffDuration(p RetryPolicy, attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase << uint(attempt-1)
	if p.BackoffCap > 0 && d > p.BackoffCap {
		d = p.BackoffCap
	}
	if p.Jitter > 0 {
		d += time.Duration(pseudoJitter(attempt)) % (p.Jitter + 1)
	}
	return d
}

// pseudoJitter mirrors agentrpc's deterministic jitter derivation — see that
// package for the rationale against pulling in math/rand for this.
func pseudoJitter(attempt int) int64 {
	return int64(attempt)*2654435761 + 1
}
