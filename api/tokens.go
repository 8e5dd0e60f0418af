package api

import (
	"sync"

	"github.com/taskorch/orchestrator/internal/telemetry"
)

// tokenMetrics aggregates per-agent token/cost usage for GET /metrics/tokens.
// Nothing in the pack builds a metrics aggregator for LLM usage, so this is
// new, in-process, and deliberately minimal: a durable/cross-instance
// version would live behind the same telemetry.Metrics interface components
// already use. The Agent RPC client feeds this aggregate through
// agentrpc.WithInvocationSink (wired in cmd/orchestratord).
type tokenMetrics struct {
	mu     sync.Mutex
	byAgent map[string]*agentTokenStats
}

type agentTokenStats struct {
	Invocations int   `json:"invocations"`
	TotalTokens int   `json:"total_tokens"`
	TotalMs     int64 `json:"total_duration_ms"`
}

func newTokenMetrics() *tokenMetrics {
	return &tokenMetrics{byAgent: make(map[string]*agentTokenStats)}
}

func (t *tokenMetrics) record(agentName string, tel telemetry.AgentTelemetry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.byAgent[agentName]
	if !ok {
		stats = &agentTokenStats{}
		t.byAgent[agentName] = stats
	}
	stats.Invocations++
	stats.TotalTokens += tel.TokensUsed
	stats.TotalMs += tel.DurationMs
}

func (t *tokenMetrics) snapshot() map[string]agentTokenStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]agentTokenStats, len(t.byAgent))
	for k, v := range t.byAgent {
		out[k] = *v
	}
	return out
}
