package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryLockStore keeps leases in process. Suitable for a single authority node.
type MemoryLockStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLockStore constructs an empty store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

func (s *MemoryLockStore) Acquire(_ context.Context, thread, user string, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.liveLocked(thread, now)
	if ok && current.Holder != user {
		return current, nil
	}

	lease := Lease{Holder: user, ExpiresAt: now.Add(normalizeTTL(ttl))}
	s.leases[thread] = lease
	return lease, nil
}

func (s *MemoryLockStore) Release(_ context.Context, thread, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.liveLocked(thread, s.now())
	if !ok || current.Holder != user {
		return false, nil
	}
	delete(s.leases, thread)
	return true, nil
}

func (s *MemoryLockStore) Refresh(_ context.Context, thread, user string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.liveLocked(thread, now)
	if !ok || current.Holder != user {
		return false, nil
	}
	current.ExpiresAt = now.Add(normalizeTTL(ttl))
	s.leases[thread] = current
	return true, nil
}

func (s *MemoryLockStore) Holder(_ context.Context, thread string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.liveLocked(thread, s.now())
	return current, nil
}

// Expire drops every lease past its deadline and returns the threads it freed.
func (s *MemoryLockStore) Expire(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var freed []string
	for thread, lease := range s.leases {
		if !now.Before(lease.ExpiresAt) {
			delete(s.leases, thread)
			freed = append(freed, thread)
		}
	}
	return freed, nil
}

func (s *MemoryLockStore) liveLocked(thread string, now time.Time) (Lease, bool) {
	lease, ok := s.leases[thread]
	if !ok {
		return Lease{}, false
	}
	if !now.Before(lease.ExpiresAt) {
		delete(s.leases, thread)
		return Lease{}, false
	}
	return lease, true
}
