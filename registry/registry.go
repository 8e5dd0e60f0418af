// Package registry implements the Agent Registry: a capability-indexed
// directory of available agents, kept current via periodic heartbeats and
// swept for agents that stop sending them.
package registry

import (
	"context"
	"errors"
	"time"
)

type (
	// Agent is a directory entry for one registered agent.
	Agent struct {
		// AgentID is the unique, caller-assigned identifier.
		AgentID string
		// Endpoint is the base URL the Agent RPC client invokes.
		Endpoint string
		// Capabilities lists the task types/skills this agent can handle, used
		// to answer ListByCapability queries.
		Capabilities []string
		// Status is "online" or "offline". An agent is marked offline once
		// Sweep observes it has missed three heartbeat intervals.
		Status string
		// RegisteredAt is when Register first created this entry.
		RegisteredAt time.Time
		// LastHeartbeat is the most recent Heartbeat call's timestamp.
		LastHeartbeat time.Time
	}

	// Directory is the Agent Registry's storage and query interface.
	Directory interface {
		// Register creates or replaces the directory entry for agent.AgentID,
		// marking it online.
		Register(ctx context.Context, agent Agent) error

		// Heartbeat refreshes the last-seen timestamp for agentID. Returns
		// ErrNotFound if the agent was never registered (or was
		// deregistered). Sweep only marks agents offline, and a heartbeat
		// from a swept agent marks it online again.
		Heartbeat(ctx context.Context, agentID string) error

		// Deregister removes agentID from the directory immediately.
		Deregister(ctx context.Context, agentID string) error

		// Get returns the current entry for agentID.
		Get(ctx context.Context, agentID string) (Agent, error)

		// ListByCapability returns every online agent advertising capability.
		ListByCapability(ctx context.Context, capability string) ([]Agent, error)

		// ListAll returns every known agent, online or offline.
		ListAll(ctx context.Context) ([]Agent, error)

		// Sweep marks any agent whose LastHeartbeat is older than
		// now-missedThreshold as offline, returning the agent IDs it changed.
		Sweep(ctx context.Context, missedThreshold time.Duration) ([]string, error)
	}
)

// ErrNotFound indicates no directory entry exists for the requested agent ID.
var ErrNotFound = errors.New("registry: agent not found")

// MissedThreshold returns the offline-detection window for a given heartbeat
// interval: three missed intervals, the same ratio used for agent-liveness
// detection throughout this module.
func MissedThreshold(heartbeatInterval time.Duration) time.Duration {
	return 3 * heartbeatInterval
}

// StartSweeper runs Sweep on interval against dir until ctx is cancelled,
// invoking onSwept (if non-nil) with the agent IDs marked offline each round.
func StartSweeper(ctx context.Context, dir Directory, heartbeatInterval time.Duration, onSwept func([]string)) {
	threshold := MissedThreshold(heartbeatInterval)
	ticker := time.NewTicker(heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := dir.Sweep(ctx, threshold)
				if err == nil && len(swept) > 0 && onSwept != nil {
					onSwept(swept)
				}
			}
		}
	}()
}
