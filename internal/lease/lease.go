// Package lease provides per-key mutual exclusion with a TTL, used to
// serialize callback processing for a single job.
package lease

import (
	"context"
	"sync"
	"time"
)

// acquirePollInterval is how often Acquire re-checks a held lease.
const acquirePollInterval = 50 * time.Millisecond

// Locker hands out exclusive, expiring leases keyed by job id.
type Locker interface {
	// Acquire blocks until the lease for key is obtained or ctx is done.
	// The lease auto-expires after ttl so a crashed holder cannot wedge a job.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent and releases only if the
// holder still owns the lease (an expired lease may have a new owner).
type Lease interface {
	Release(ctx context.Context) error
}

// MemoryLocker is an in-process Locker for single-instance deployments
// and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> expiry
	token map[string]uint64    // key -> current holder token
	next  uint64
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		token: make(map[string]uint64),
	}
}

// Acquire blocks until the lease is obtained or ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		if tok, ok := l.tryAcquire(key, ttl); ok {
			return &memoryLease{locker: l, key: key, tok: tok}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (l *MemoryLocker) tryAcquire(key string, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.held[key]; ok && time.Now().Before(expiry) {
		return 0, false
	}
	l.next++
	l.held[key] = time.Now().Add(ttl)
	l.token[key] = l.next
	return l.next, true
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	tok    uint64
}

func (m *memoryLease) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.token[m.key] == m.tok {
		delete(m.locker.held, m.key)
		delete(m.locker.token, m.key)
	}
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
