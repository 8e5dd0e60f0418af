// Package inmem provides an in-memory lock.Manager for tests and the
// in-process workflow engine adapter. Acquire treats an expired entry as
// free and replaces it; unlike redislock, an expired entry that nobody
// re-acquires stays in memory until Sweep (or StartSweeper on a timer)
// removes it.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/taskorch/orchestrator/lock"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// Manager implements lock.Manager in memory.
type Manager struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// New returns a new in-memory lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]entry), now: time.Now}
}

func (m *Manager) expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// tryAcquire attempts a single acquisition, reclaiming an expired entry
// first. Caller must hold m.mu.
func (m *Manager) tryAcquire(resourceID, owner string, ttl time.Duration) (lock.AcquireOutcome, bool) {
	now := m.now()
	if e, held := m.locks[resourceID]; held && !m.expired(e, now) {
		if e.owner == owner {
			return lock.AcquireOutcome{Acquired: true, Lock: &lock.Lock{ResourceID: resourceID, Owner: owner, ExpiresAt: e.expiresAt}}, true
		}
		return lock.AcquireOutcome{Acquired: false, Lock: &lock.Lock{ResourceID: resourceID, Owner: e.owner, ExpiresAt: e.expiresAt}}, false
	}
	expiresAt := now.Add(ttl)
	m.locks[resourceID] = entry{owner: owner, expiresAt: expiresAt}
	return lock.AcquireOutcome{Acquired: true, Lock: &lock.Lock{ResourceID: resourceID, Owner: owner, AcquiredAt: now, ExpiresAt: expiresAt}}, true
}

// Acquire implements lock.Manager.
func (m *Manager) Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, wait bool, waitTimeout time.Duration) (lock.AcquireOutcome, error) {
	deadline := m.now().Add(waitTimeout)
	attempt := 0
	for {
		attempt++
		m.mu.Lock()
		outcome, ok := m.tryAcquire(resourceID, owner, ttl)
		m.mu.Unlock()
		if ok {
			return outcome, nil
		}
		if !wait || m.now().After(deadline) {
			return outcome, lock.ErrLockConflict
		}
		select {
		case <-ctx.Done():
			return lock.AcquireOutcome{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func backoff(attempt int) time.Duration {
	d := 25 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 800*time.Millisecond {
			return 800 * time.Millisecond
		}
	}
	return d
}

// Release implements lock.Manager.
func (m *Manager) Release(_ context.Context, resourceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[resourceID]; ok && e.owner == owner {
		delete(m.locks, resourceID)
	}
	return nil
}

// ForceRelease implements lock.Manager.
func (m *Manager) ForceRelease(_ context.Context, resourceID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.locks[resourceID]
	delete(m.locks, resourceID)
	return existed, nil
}

// AcquireOrdered implements lock.Manager.
func (m *Manager) AcquireOrdered(ctx context.Context, resourceIDs []string, owner string, ttl time.Duration, wait bool, waitTimeout time.Duration) (string, error) {
	ordered := lock.OrderResourceIDs(resourceIDs)
	acquired := make([]string, 0, len(ordered))
	for _, id := range ordered {
		outcome, err := m.Acquire(ctx, id, owner, ttl, wait, waitTimeout)
		if err != nil || !outcome.Acquired {
			_ = m.ReleaseAll(ctx, acquired, owner)
			return id, err
		}
		acquired = append(acquired, id)
	}
	return "", nil
}

// ReleaseAll implements lock.Manager.
func (m *Manager) ReleaseAll(ctx context.Context, resourceIDs []string, owner string) error {
	for _, id := range resourceIDs {
		_ = m.Release(ctx, id, owner)
	}
	return nil
}

// Sweep removes every expired lock and returns how many it cleared.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cleared := 0
	for id, e := range m.locks {
		if m.expired(e, now) {
			delete(m.locks, id)
			cleared++
		}
	}
	return cleared
}

// StartSweeper runs Sweep on interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}
