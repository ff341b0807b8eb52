package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Locker leases idempotency keys to one owner at a time.
type Locker interface {
	// Acquire takes the lease for ttl. It returns false if another owner
	// holds a live lease.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release shortens owner's lease to grace; zero grace drops it now.
	// Releasing a lease held by someone else is a no-op.
	Release(ctx context.Context, key, owner string, grace time.Duration) error
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a single-process Locker. Lease records are dropped once
// retention has passed since they were last written, so a lease never
// outlives retention.
type MemoryLocker struct {
	mu     sync.Mutex
	leases *expirable.LRU[string, lease]
	now    func() time.Time
}

// NewMemoryLocker creates a MemoryLocker. now defaults to time.Now and a
// non-positive retention to DefaultLockTTL.
func NewMemoryLocker(now func() time.Time, retention time.Duration) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	if retention <= 0 {
		retention = DefaultLockTTL
	}
	return &MemoryLocker{
		leases: expirable.NewLRU[string, lease](0, nil, retention),
		now:    now,
	}
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases.Get(key); ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases.Add(key, lease{owner: owner, expires: now.Add(ttl)})
	return true, nil
}

// Release implements Locker.
func (m *MemoryLocker) Release(ctx context.Context, key, owner string, grace time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases.Get(key)
	if !ok || cur.owner != owner {
		return nil
	}
	if grace <= 0 {
		m.leases.Remove(key)
		return nil
	}
	cur.expires = m.now().Add(grace)
	m.leases.Add(key, cur)
	return nil
}

// Holder returns the live owner of key, if any.
func (m *MemoryLocker) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases.Peek(key)
	if !ok || !m.now().Before(cur.expires) {
		return "", false
	}
	return cur.owner, true
}

// Len returns the number of lease records retained, live or in grace.
func (m *MemoryLocker) Len() int {
	return len(m.leases.Keys())
}
