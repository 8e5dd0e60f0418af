// Package inmem provides an in-memory registry.Directory for tests and the
// in-process workflow engine adapter.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/taskorch/orchestrator/registry"
)

// Directory implements registry.Directory in memory.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]registry.Agent
	now    func() time.Time
}

// New returns a new in-memory directory.
func New() *Directory {
	return &Directory{agents: make(map[string]registry.Agent), now: time.Now}
}

// Register implements registry.Directory.
func (d *Directory) Register(_ context.Context, agent registry.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	agent.Status = "online"
	agent.RegisteredAt = now
	agent.LastHeartbeat = now
	d.agents[agent.AgentID] = agent
	return nil
}

// Heartbeat implements registry.Directory.
func (d *Directory) Heartbeat(_ context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return registry.ErrNotFound
	}
	a.LastHeartbeat = d.now()
	a.Status = "online"
	d.agents[agentID] = a
	return nil
}

// Deregister implements registry.Directory.
func (d *Directory) Deregister(_ context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
	return nil
}

// Get implements registry.Directory.
func (d *Directory) Get(_ context.Context, agentID string) (registry.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return registry.Agent{}, registry.ErrNotFound
	}
	return a, nil
}

// ListByCapability implements registry.Directory.
func (d *Directory) ListByCapability(_ context.Context, capability string) ([]registry.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []registry.Agent
	for _, a := range d.agents {
		if a.Status != "online" {
			continue
		}
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

// ListAll implements registry.Directory.
func (d *Directory) ListAll(_ context.Context) ([]registry.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]registry.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	return out, nil
}

// Sweep implements registry.Directory.
func (d *Directory) Sweep(_ context.Context, missedThreshold time.Duration) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var swept []string
	for id, a := range d.agents {
		if a.Status == "online" && now.Sub(a.LastHeartbeat) > missedThreshold {
			a.Status = "offline"
			d.agents[id] = a
			swept = append(swept, id)
		}
	}
	return swept, nil
}
