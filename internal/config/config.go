// Package config loads the orchestrator's process-level configuration once at
// startup into an immutable structure. A malformed or missing config file is
// a boot-time failure (exit code 64).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the immutable, fully-resolved process configuration. It is
	// loaded once via Load and never mutated; components receive the pieces
	// they need by value or via a read-only pointer.
	Config struct {
		// HeartbeatIntervalSeconds is the Agent Registry's heartbeat sweep base
		// unit. Agents are marked offline after three missed intervals.
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_s"`

		// LockDefaultTTLSeconds is the default TTL applied to a resource lock
		// when the caller does not specify one.
		LockDefaultTTLSeconds int `yaml:"lock_default_ttl_s"`

		// ApprovalTimeoutMinutes maps a risk level to its approval expiry window.
		ApprovalTimeoutMinutes map[string]int `yaml:"approval_timeout_minutes"`

		// RetryPolicy is the retry policy of the Agent RPC client (see
		// agentrpc.PolicyFromConfig). Workflow nodes retry by their own
		// Node.Retry and do not read this value.
		RetryPolicy RetryPolicyConfig `yaml:"retry_policy"`

		// SnapshotEveryEvents is the snapshot interval in events (default
		// 10). It is loaded and validated only: no component reads it, and
		// the Event Store writes a snapshot only when Snapshot is called.
		SnapshotEveryEvents int `yaml:"snapshot_every_events"`

		// RiskRulesPath points at the declarative rule table consumed by the
		// Risk Assessor.
		RiskRulesPath string `yaml:"risk_rules"`

		// RoleAuthorization maps a risk level to the set of roles allowed to
		// resolve an approval request at that level.
		RoleAuthorization map[string][]string `yaml:"role_authorization"`

		// ToolCatalogPath points at the static tool catalog consumed by the
		// Tool Selector.
		ToolCatalogPath string `yaml:"tool_catalog_path"`

		// FederationPeers lists peer registry gRPC addresses whose tool
		// catalogs are unioned with the static catalog before selection,
		// letting one orchestrator's agents discover tools registered with
		// another deployment (registry/federation).
		FederationPeers []string `yaml:"federation_peers"`

		// WebhookSecrets maps a notification channel name to its HMAC secret.
		WebhookSecrets map[string]string `yaml:"webhook_secrets"`

		// ReplayRejectSeconds bounds webhook replay-protection staleness
		// (default 300).
		ReplayRejectSeconds int `yaml:"replay_reject_seconds"`

		// MaxParallelWorkflows is a cap on concurrently running workflows
		// (zero for unbounded). It is loaded only: no component reads it, and
		// the number of running workflows is not limited.
		MaxParallelWorkflows int `yaml:"max_parallel_workflows"`

		// ResumeInsightWindow is a bound on how many captured insights are
		// re-injected into the next agent node's context on resume. It is
		// loaded only: no component reads it, and every captured insight is
		// passed on.
		ResumeInsightWindow int `yaml:"resume_insight_window"`

		// Redis configures the backing store for the Resource Lock Manager,
		// Agent Registry heartbeat, Event Bus correlation streams, and the
		// workflow state store.
		Redis RedisConfig `yaml:"redis"`

		// Mongo configures the Event Store's durable backend.
		Mongo MongoConfig `yaml:"mongo"`

		// Temporal configures the Workflow Engine's durable execution backend.
		Temporal TemporalConfig `yaml:"temporal"`

		// LLM configures the outbound LLM provider client(s).
		LLM LLMConfig `yaml:"llm"`

		// HTTP configures the Task Intake API's listen address.
		HTTP HTTPConfig `yaml:"http"`
	}

	// RetryPolicyConfig is the default node retry policy.
	RetryPolicyConfig struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BackoffBaseMS  int `yaml:"backoff_base_ms"`
		BackoffCapMS   int `yaml:"backoff_cap_ms"`
		JitterMS       int `yaml:"jitter_ms"`
	}

	// RedisConfig addresses the Redis deployment backing the distributed
	// primitives: locks, registry heartbeat and the state store use go-redis
	// directly; event-bus streams go through Pulse.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig addresses the MongoDB deployment backing the Event Store.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// TemporalConfig addresses the Temporal cluster backing the Workflow
	// Engine's durable execution.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// LLMConfig names the model IDs used by the two independent LLM call
	// sites (decision-node routing and session-intake classification),
	// per the open question recorded in DESIGN.md.
	LLMConfig struct {
		Provider           string `yaml:"provider"` // "anthropic" or "bedrock"
		DecisionModel      string `yaml:"decision_model"`
		IntakeModel        string `yaml:"intake_model"`
		AnthropicAPIKey    string `yaml:"anthropic_api_key"`
		BedrockRegion      string `yaml:"bedrock_region"`
	}

	// HTTPConfig addresses the Task Intake API listener.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}
)

// Default returns a Config populated with the orchestrator's documented
// defaults.
func Default() *Config {
	return &Config{
		HeartbeatIntervalSeconds: 10,
		LockDefaultTTLSeconds:    300,
		ApprovalTimeoutMinutes: map[string]int{
			"medium":   30,
			"high":     120,
			"critical": 240,
		},
		RetryPolicy: RetryPolicyConfig{
			MaxAttempts:   3,
			BackoffBaseMS: 100,
			BackoffCapMS:  5000,
			JitterMS:      100,
		},
		SnapshotEveryEvents: 10,
		RoleAuthorization: map[string][]string{
			"low":      {"developer", "team_lead", "operator"},
			"medium":   {"team_lead", "operator"},
			"high":     {"team_lead", "operator"},
			"critical": {"operator"},
		},
		ReplayRejectSeconds:  300,
		MaxParallelWorkflows: 0,
		ResumeInsightWindow:  10,
		Redis:                RedisConfig{Addr: "localhost:6379"},
		Mongo:                MongoConfig{URI: "mongodb://localhost:27017", Database: "taskorch"},
		Temporal:             TemporalConfig{HostPort: "localhost:7233", Namespace: "default", TaskQueue: "taskorch-workflows"},
		HTTP:                 HTTPConfig{Addr: ":8080"},
	}
}

// Load reads and parses a YAML configuration file at path, starting from
// Default() so unset fields keep their documented defaults. It returns an
// error (caller maps to exit code 64) when the file cannot be read or
// parsed, or when required fields are missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_s must be > 0")
	}
	if c.LockDefaultTTLSeconds <= 0 {
		return fmt.Errorf("lock_default_ttl_s must be > 0")
	}
	if c.SnapshotEveryEvents <= 0 {
		return fmt.Errorf("snapshot_every_events must be > 0")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	return nil
}

// ApprovalTimeout returns the configured expiry window for a risk level,
// falling back to a built-in default when unset.
func (c *Config) ApprovalTimeout(level string) time.Duration {
	if m, ok := c.ApprovalTimeoutMinutes[level]; ok {
		return time.Duration(m) * time.Minute
	}
	switch level {
	case "critical":
		return 240 * time.Minute
	case "high":
		return 120 * time.Minute
	default:
		return 30 * time.Minute
	}
}
