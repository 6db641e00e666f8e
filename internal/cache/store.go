// Package cache arbitrates the single-writer edit lock of every thread.
package cache

import (
	"context"
	"time"
)

// DefaultLeaseTTL bounds how long a lock survives without a refresh.
const DefaultLeaseTTL = 2 * time.Minute

// Lease describes the holder of a thread lock. A zero Lease means unlocked.
type Lease struct {
	Holder    string
	ExpiresAt time.Time
}

// Held reports whether the lease has a holder.
func (l Lease) Held() bool {
	return l.Holder != ""
}

// LockStore is shared by every authority node serving the same threads.
type LockStore interface {
	// Acquire grants the lock to user when it is free, expired or already
	// held by user (refreshing the lease). It returns the resulting lease.
	Acquire(ctx context.Context, thread, user string, ttl time.Duration) (Lease, error)
	// Release frees the lock only when user holds it.
	Release(ctx context.Context, thread, user string) (bool, error)
	// Refresh extends the lease of user. It reports false when user is not the holder.
	Refresh(ctx context.Context, thread, user string, ttl time.Duration) (bool, error)
	// Holder returns the live lease of thread.
	Holder(ctx context.Context, thread string) (Lease, error)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLeaseTTL
	}
	return ttl
}
