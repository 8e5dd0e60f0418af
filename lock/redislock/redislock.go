// Package redislock implements lock.Manager on top of Redis, using SET NX PX
// for atomic acquire-if-absent-with-TTL and a Lua script for safe
// release/force-release so a release never clears a lock some other owner
// has since (re)acquired after expiry.
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskorch/orchestrator/lock"
)

// Manager implements lock.Manager backed by rdb.
type Manager struct {
	rdb *redis.Client
}

// New returns a Manager backed by rdb.
func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func key(resourceID string) string {
	return "taskorch:lock:" + resourceID
}

// releaseScript clears key only if its current value equals owner, so a
// release can never clobber a lock acquired by someone else after the
// caller's TTL already expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Acquire implements lock.Manager.
func (m *Manager) Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, wait bool, waitTimeout time.Duration) (lock.AcquireOutcome, error) {
	k := key(resourceID)
	deadline := time.Now().Add(waitTimeout)
	attempt := 0
	for {
		attempt++
		ok, err := m.rdb.SetNX(ctx, k, owner, ttl).Result()
		if err != nil {
			return lock.AcquireOutcome{}, err
		}
		if ok {
			return lock.AcquireOutcome{
				Acquired: true,
				Lock: &lock.Lock{
					ResourceID: resourceID,
					Owner:      owner,
					AcquiredAt: time.Now(),
					ExpiresAt:  time.Now().Add(ttl),
				},
			}, nil
		}
		if !wait || time.Now().After(deadline) {
			holder, _ := m.rdb.Get(ctx, k).Result()
			return lock.AcquireOutcome{
				Acquired: false,
				Lock:     &lock.Lock{ResourceID: resourceID, Owner: holder},
			}, lock.ErrLockConflict
		}
		select {
		case <-ctx.Done():
			return lock.AcquireOutcome{}, ctx.Err()
		case <-time.After(backoffFor(attempt)):
		}
	}
}

func backoffFor(attempt int) time.Duration {
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
func (m *Manager) Release(ctx context.Context, resourceID, owner string) error {
	_, err := releaseScript.Run(ctx, m.rdb, []string{key(resourceID)}, owner).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// ForceRelease implements lock.Manager.
func (m *Manager) ForceRelease(ctx context.Context, resourceID, reason string) (bool, error) {
	n, err := m.rdb.Del(ctx, key(resourceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
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
	var firstErr error
	for _, id := range resourceIDs {
		if err := m.Release(ctx, id, owner); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
