// Package lock implements the Resource Lock Manager: named, TTL'd,
// owner-tagged advisory locks with auto-expiry. At most one owner holds a
// given resource_id at a time; acquisition can optionally wait with
// exponential backoff.
//
// The production Manager (lock/redislock) is backed by Redis and talks to
// it directly with SET NX PX semantics so lock acquisition is a single
// atomic round trip.
package lock

import (
	"context"
	"errors"
	"time"
)

type (
	// Lock describes a held resource lock.
	Lock struct {
		ResourceID string
		Owner      string
		AcquiredAt time.Time
		ExpiresAt  time.Time
		Reason     string
	}

	// AcquireOutcome reports whether Acquire obtained the lock.
	AcquireOutcome struct {
		// Acquired is true if owner now holds resourceID.
		Acquired bool
		// Lock describes the current holder (owner on success, the conflicting
		// holder otherwise), when known.
		Lock *Lock
	}

	// Manager is the Resource Lock Manager.
	Manager interface {
		// Acquire attempts to take resourceID for owner with the given ttl. If
		// wait is true, Acquire polls with exponential backoff (25ms, capped at
		// 800ms) until waitTimeout elapses.
		Acquire(ctx context.Context, resourceID, owner string, ttl time.Duration, wait bool, waitTimeout time.Duration) (AcquireOutcome, error)

		// Release drops resourceID if held by owner. No-op (no error) if the
		// lock is not held, or held by a different owner.
		Release(ctx context.Context, resourceID, owner string) error

		// ForceRelease is an administrative override; it always clears
		// resourceID regardless of the current owner and returns whether a
		// lock existed.
		ForceRelease(ctx context.Context, resourceID, reason string) (bool, error)

		// AcquireOrdered acquires every resource in resourceIDs in
		// lexicographic order, a deadlock-prevention rule for multi-resource
		// acquisition, rolling back any partial acquisitions on failure. Returns
		// the first resourceID that could not be acquired, if any.
		AcquireOrdered(ctx context.Context, resourceIDs []string, owner string, ttl time.Duration, wait bool, waitTimeout time.Duration) (conflicted string, err error)

		// ReleaseAll releases every resource in resourceIDs if held by owner.
		ReleaseAll(ctx context.Context, resourceIDs []string, owner string) error
	}
)

// ErrLockConflict indicates Acquire (without wait, or after waitTimeout)
// could not obtain the lock because another owner holds it.
var ErrLockConflict = errors.New("lock: resource held by another owner")

// OrderResourceIDs returns a sorted copy of ids, implementing the
// lexicographic lock-ordering rule used to avoid circular-wait deadlocks.
func OrderResourceIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// backoff computes the wait interval before the nth retry (1-based),
// starting at 25ms and capping at 800ms.
func backoff(attempt int) time.Duration {
	d := 25 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 800*time.Millisecond {
			return 800 * time.Millisecond
		}
	}
	if d > 800*time.Millisecond {
		d = 800 * time.Millisecond
	}
	return d
}
