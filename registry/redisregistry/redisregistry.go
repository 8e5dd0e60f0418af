// Package redisregistry provides a Redis-backed registry.Directory, storing
// each agent as a hash and maintaining capability-indexed sets so
// ListByCapability does not require a full scan. It is built directly on
// go-redis: straightforward atomic set/hash operations beat a
// general-purpose replicated map for this access pattern.
package redisregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskorch/orchestrator/registry"
)

// Directory implements registry.Directory backed by rdb.
type Directory struct {
	rdb *redis.Client
}

// New returns a Directory backed by rdb.
func New(rdb *redis.Client) *Directory {
	return &Directory{rdb: rdb}
}

func agentKey(agentID string) string  { return "taskorch:agent:" + agentID }
func capKey(capability string) string { return "taskorch:agent:cap:" + capability }

const allAgentsKey = "taskorch:agents:all"

type agentDoc struct {
	AgentID       string    `json:"agent_id"`
	Endpoint      string    `json:"endpoint"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func toAgent(d agentDoc) registry.Agent {
	return registry.Agent{
		AgentID:       d.AgentID,
		Endpoint:      d.Endpoint,
		Capabilities:  d.Capabilities,
		Status:        d.Status,
		RegisteredAt:  d.RegisteredAt,
		LastHeartbeat: d.LastHeartbeat,
	}
}

// Register implements registry.Directory.
func (d *Directory) Register(ctx context.Context, agent registry.Agent) error {
	now := time.Now()
	doc := agentDoc{
		AgentID:       agent.AgentID,
		Endpoint:      agent.Endpoint,
		Capabilities:  agent.Capabilities,
		Status:        "online",
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	// Clear any stale capability index entries from a previous registration
	// before writing the new one.
	if prev, err := d.Get(ctx, agent.AgentID); err == nil {
		d.unindexCapabilities(ctx, prev)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redisregistry: encode %s: %w", agent.AgentID, err)
	}
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, agentKey(agent.AgentID), payload, 0)
	pipe.SAdd(ctx, allAgentsKey, agent.AgentID)
	for _, c := range agent.Capabilities {
		pipe.SAdd(ctx, capKey(c), agent.AgentID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (d *Directory) unindexCapabilities(ctx context.Context, agent registry.Agent) {
	pipe := d.rdb.Pipeline()
	for _, c := range agent.Capabilities {
		pipe.SRem(ctx, capKey(c), agent.AgentID)
	}
	_, _ = pipe.Exec(ctx)
}

// Heartbeat implements registry.Directory.
func (d *Directory) Heartbeat(ctx context.Context, agentID string) error {
	a, err := d.Get(ctx, agentID)
	if err != nil {
		return err
	}
	a.Status = "online"
	a.LastHeartbeat = time.Now()
	return d.putRaw(ctx, a)
}

func (d *Directory) putRaw(ctx context.Context, a registry.Agent) error {
	doc := agentDoc{
		AgentID:       a.AgentID,
		Endpoint:      a.Endpoint,
		Capabilities:  a.Capabilities,
		Status:        a.Status,
		RegisteredAt:  a.RegisteredAt,
		LastHeartbeat: a.LastHeartbeat,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redisregistry: encode %s: %w", a.AgentID, err)
	}
	return d.rdb.Set(ctx, agentKey(a.AgentID), payload, 0).Err()
}

// Deregister implements registry.Directory.
func (d *Directory) Deregister(ctx context.Context, agentID string) error {
	a, err := d.Get(ctx, agentID)
	if err != nil {
		if err == registry.ErrNotFound {
			return nil
		}
		return err
	}
	pipe := d.rdb.TxPipeline()
	pipe.Del(ctx, agentKey(agentID))
	pipe.SRem(ctx, allAgentsKey, agentID)
	for _, c := range a.Capabilities {
		pipe.SRem(ctx, capKey(c), agentID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get implements registry.Directory.
func (d *Directory) Get(ctx context.Context, agentID string) (registry.Agent, error) {
	data, err := d.rdb.Get(ctx, agentKey(agentID)).Bytes()
	if err == redis.Nil {
		return registry.Agent{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Agent{}, fmt.Errorf("redisregistry: get %s: %w", agentID, err)
	}
	var doc agentDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return registry.Agent{}, fmt.Errorf("redisregistry: decode %s: %w", agentID, err)
	}
	return toAgent(doc), nil
}

// ListByCapability implements registry.Directory.
func (d *Directory) ListByCapability(ctx context.Context, capability string) ([]registry.Agent, error) {
	ids, err := d.rdb.SMembers(ctx, capKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisregistry: list capability %s: %w", capability, err)
	}
	out := make([]registry.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := d.Get(ctx, id)
		if err == registry.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == "online" {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListAll implements registry.Directory.
func (d *Directory) ListAll(ctx context.Context) ([]registry.Agent, error) {
	ids, err := d.rdb.SMembers(ctx, allAgentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisregistry: list all: %w", err)
	}
	out := make([]registry.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := d.Get(ctx, id)
		if err == registry.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Sweep implements registry.Directory.
func (d *Directory) Sweep(ctx context.Context, missedThreshold time.Duration) ([]string, error) {
	all, err := d.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var swept []string
	for _, a := range all {
		if a.Status == "online" && now.Sub(a.LastHeartbeat) > missedThreshold {
			a.Status = "offline"
			if err := d.putRaw(ctx, a); err != nil {
				return swept, err
			}
			swept = append(swept, a.AgentID)
		}
	}
	return swept, nil
}
