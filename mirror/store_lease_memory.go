package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type inMemoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// InMemoryRunLeaseManager provides in-process lease coordination.
type InMemoryRunLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]inMemoryLeaseRecord
	tokenSeq atomic.Uint64
}

// NewInMemoryRunLeaseManager creates a new in-memory lease manager.
func NewInMemoryRunLeaseManager() *InMemoryRunLeaseManager {
	return &InMemoryRunLeaseManager{
		leases: make(map[string]inMemoryLeaseRecord),
	}
}

func (m *InMemoryRunLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[key]; ok && now.Before(rec.expiresAt) {
		return nil, ErrRunLeaseConflict
	}

	token := fmt.Sprintf("%s-%d-%d", key, now.UnixNano(), m.tokenSeq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[key] = inMemoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &RunLease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

func (m *InMemoryRunLeaseManager) Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || lease.Key == "" || lease.Token == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.Key]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrRunLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.Key] = inMemoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}

	return &RunLease{Key: lease.Key, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release ignores the context so a cancelled run still frees its lease.
func (m *InMemoryRunLeaseManager) Release(_ context.Context, lease *RunLease) error {
	if lease == nil || lease.Key == "" || lease.Token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[lease.Key]; ok && rec.token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}
