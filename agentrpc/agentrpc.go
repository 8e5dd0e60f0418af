// Package agentrpc implements the outbound Agent RPC client (spec.md §6.2):
// the Workflow Engine's AgentInvoker, dispatching each agent node to
// `POST {agent.base_endpoint}/invoke` over plain HTTP/JSON. It generalizes
// runtime/a2a/caller.go's Caller.SendTask — a single-method transport
// interface invoking a named skill with a JSON payload and getting a JSON
// result back — from A2A's suite/skill addressing to this product's
// registry-resolved agent endpoints, and reuses runtime/a2a's typed
// JSON-RPC error shape for the "retriable vs not" classification
// retry.go's ErrorToRetryHint makes for planner retries.
package agentrpc

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
	"github.com/taskorch/orchestrator/registry"
	"github.com/taskorch/orchestrator/toolselector"
	"github.com/taskorch/orchestrator/workflow"
)

// DefaultMaxTools is the Tool Selector's default per-step cap K (spec.md
// §4.6: "an ordered list of ≤ K tool handles (default K=20)").
const DefaultMaxTools = 20

// invokeRequest is the wire body spec.md §6.2 defines for the outbound
// agent call.
type invokeRequest struct {
	StepID       string         `json:"step_id"`
	TaskFragment string         `json:"task_fragment"`
	Context      map[string]any `json:"context"`
	Tools        []string       `json:"tools"`
	DeadlineMS   int64          `json:"deadline_ms"`
}

// invokeResponse is the wire body an agent returns.
type invokeResponse struct {
	Output           map[string]any `json:"output"`
	CapturedInsights []string       `json:"captured_insights"`
	NextHint         string         `json:"next_hint"`
	Error            *rpcError      `json:"error"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error reports a protocol-level error surfaced by an agent's response
// body rather than an HTTP transport failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentrpc: agent error %s: %s", e.Code, e.Message)
}

// DefaultDeadline bounds an agent invocation when the caller supplies none.
const DefaultDeadline = 30 * time.Second

// Client dispatches agent nodes over HTTP, resolving each agent's base
// endpoint from a registry.Directory and rate-limiting outbound calls with
// a token-bucket limiter, mirroring the shape (though not the adaptive
// AIMD behavior, which has no equivalent signal here — agent invocation
// errors aren't labeled rate-limited the way LLM provider errors are) of
// features/model/middleware.AdaptiveRateLimiter.
type Client struct {
	http      *http.Client
	directory registry.Directory
	limiter   *rate.Limiter
	retry     RetryPolicy
	deadline  time.Duration
	logger    telemetry.Logger
	onInvoke  func(agentName string, tel telemetry.AgentTelemetry)
	selector  *toolselector.Selector
	maxTools  int
}

// RetryPolicy mirrors config.RetryPolicyConfig (spec.md §6.5's
// retry_policy): exponential backoff with a cap and jitter, applied only
// to transport failures and 5xx responses. A 4xx response is not retried,
// and neither is a structured agent-reported Error, which is not retriable here
// since the agent has already run and produced a definitive verdict.
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

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outbound invocations to ratePerSecond with the given
// burst, guarding downstream agents from a thundering herd of parallel
// workflow branches.
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst) }
}

// WithDeadline overrides DefaultDeadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Client) { c.deadline = d }
}

// WithLogger attaches structured logging.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithToolSelector wires the Tool Selector (spec.md §4.6) into the
// invocation path: each agent node dispatch runs the node's Node.ToolTags
// gate plus the invocation's task fragment through sel.Select before the
// call, replacing the node's raw tag list with the progressively-disclosed
// tool-ID handles the spec's TS component is responsible for producing.
// Without this option, ToolTags is forwarded to the agent unfiltered (the
// pre-TS behavior), which is only appropriate for tests and for agents
// that maintain their own tool catalog.
func WithToolSelector(sel *toolselector.Selector) Option {
	return func(c *Client) { c.selector = sel }
}

// WithMaxTools overrides DefaultMaxTools for the wired Tool Selector.
func WithMaxTools(k int) Option {
	return func(c *Client) { c.maxTools = k }
}

// WithInvocationSink registers a callback fed one telemetry.AgentTelemetry
// record per completed invocation (success or failure), e.g.
// api.Server.RecordTokenUsage for the /metrics/tokens aggregate.
func WithInvocationSink(fn func(agentName string, tel telemetry.AgentTelemetry)) Option {
	return func(c *Client) { c.onInvoke = fn }
}

// New builds a Client resolving agent endpoints from directory.
func New(directory registry.Directory, retry RetryPolicy, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 60 * time.Second},
		directory: directory,
		retry:     retry,
		deadline:  DefaultDeadline,
		logger:    telemetry.NewNoopLogger(),
		maxTools:  DefaultMaxTools,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure Client implements workflow.AgentInvoker.
var _ workflow.AgentInvoker = (*Client)(nil)

// Invoke implements workflow.AgentInvoker: it resolves in.AgentName's
// endpoint, applies the rate limiter (if configured), and POSTs the
// invocation with retry on transport failure or a 5xx status.
func (c *Client) Invoke(ctx context.Context, in workflow.AgentInvocation) (workflow.AgentResult, error) {
	agent, err := c.directory.Get(ctx, in.AgentName)
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("agentrpc: resolve agent %q: %w", in.AgentName, err)
	}

	taskFragment := summarizeState(in.State)

	tools, err := c.selectTools(ctx, in, agent, taskFragment)
	if err != nil {
		return workflow.AgentResult{}, err
	}

	req := invokeRequest{
		TaskFragment: taskFragment,
		Context: map[string]any{
			"state":    in.State,
			"insights": in.Insights,
		},
		Tools:      tools,
		DeadlineMS: c.deadline.Milliseconds(),
	}

	started := time.Now()
	resp, err := c.invokeWithRetry(ctx, agent.Endpoint, req)
	elapsed := time.Since(started)

	tel := telemetry.AgentTelemetry{DurationMs: elapsed.Milliseconds()}
	if err != nil {
		c.logger.Error(ctx, "agentrpc: invocation failed", "agent", in.AgentName, "err", err)
		if c.onInvoke != nil {
			c.onInvoke(in.AgentName, tel)
		}
		return workflow.AgentResult{}, err
	}
	if c.onInvoke != nil {
		c.onInvoke(in.AgentName, tel)
	}

	return workflow.AgentResult{
		StateDelta: resp.Output,
		NextEdge:   resp.NextHint,
		End:        endSignaled(resp.Output),
		Insight:    firstOrEmpty(resp.CapturedInsights),
	}, nil
}

// selectTools resolves the tool handles sent on the wire with in. When a
// Tool Selector is wired (WithToolSelector), it runs the progressive
// disclosure pipeline (spec.md §4.6) gated by the agent's role (its first
// advertised capability, or its name if it advertises none) and the node's
// declared Node.ToolTags, narrowed to taskFragment's relevance and capped
// at c.maxTools. With no selector wired, in.ToolTags is forwarded as-is.
func (c *Client) selectTools(ctx context.Context, in workflow.AgentInvocation, agent registry.Agent, taskFragment string) ([]string, error) {
	if c.selector == nil {
		return in.ToolTags, nil
	}
	role := in.AgentName
	if len(agent.Capabilities) > 0 {
		role = agent.Capabilities[0]
	}
	selected, err := c.selector.Select(ctx, toolselector.Request{
		Role:     role,
		Task:     taskFragment,
		Tags:     in.ToolTags,
		MaxTools: c.maxTools,
	})
	if err != nil {
		return nil, fmt.Errorf("agentrpc: select tools for %q: %w", in.AgentName, err)
	}
	ids := make([]string, 0, len(selected))
	for _, t := range selected {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// endSignaled reports whether the agent's output declares the workflow
// complete. The wire format in spec.md §6.2 does not define a dedicated
// field for this, so an agent done with a task sets output["end"] = true
// the same way it would set any other output key.
func endSignaled(output map[string]any) bool {
	v, ok := output["end"].(bool)
	return ok && v
}

func (c *Client) invokeWithRetry(ctx context.Context, endpoint string, req invokeRequest) (invokeResponse, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return invokeResponse{}, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return invokeResponse{}, err
			}
		}

		resp, retriable, err := c.doInvoke(ctx, endpoint, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retriable {
			return invokeResponse{}, err
		}
	}
	return invokeResponse{}, fmt.Errorf("agentrpc: exhausted %d attempts: %w", attempts, lastErr)
}

// doInvoke issues a single HTTP call. retriable reports whether the
// failure is transport/5xx-class (worth retrying) rather than a
// structured agent-reported Error (not retriable: the agent ran and
// produced a definitive answer).
func (c *Client) doInvoke(ctx context.Context, endpoint string, req invokeRequest) (invokeResponse, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return invokeResponse{}, false, fmt.Errorf("agentrpc: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return invokeResponse{}, false, fmt.Errorf("agentrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return invokeResponse{}, true, fmt.Errorf("agentrpc: transport: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return invokeResponse{}, true, fmt.Errorf("agentrpc: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return invokeResponse{}, true, fmt.Errorf("agentrpc: %s returned %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return invokeResponse{}, false, fmt.Errorf("agentrpc: %s returned %d: %s", endpoint, resp.StatusCode, raw)
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return invokeResponse{}, true, fmt.Errorf("agentrpc: decode response: %w", err)
	}
	if out.Error != nil {
		return invokeResponse{}, false, &Error{Code: out.Error.Code, Message: out.Error.Message}
	}
	return out, false, nil
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

// backoffDuration computes exponential backoff with a hard cap and a
// deterministic per-attempt jitter (see pseudoJitter) added on top, per
// config.RetryPolicyConfig.
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

// pseudoJitter derives a deterministic, attempt-dependent jitter seed
// instead of math/rand, since no RNG is otherwise wired into this
// package and one extra stdlib dependency isn't worth it for a bounded
// jitter amount.
func pseudoJitter(attempt int) int64 {
	return int64(attempt)*2654435761 + 1
}

func summarizeState(state map[string]any) string {
	if len(state) == 0 {
		return ""
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	return string(raw)
}

func firstOrEmpty(insights []string) string {
	if len(insights) == 0 {
		return ""
	}
	return insights[0]
}
