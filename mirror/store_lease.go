// store_lease.go defines the RunLeaseManager interface.
//
// A mirror run takes a lease on its storage prefix before fetching anything,
// so two instances (for example a scheduled run and a manual POST /sync on
// another pod) never patch and publish the same manifest concurrently. The
// published manifest has plain overwrite semantics, so without the lease the
// later publish silently wins.
//
// Implementations:
//
//   - InMemoryRunLeaseManager: in-process, for single-instance deployments
//     and tests.
//   - RedisRunLeaseManager: SET NX / token-checked Lua scripts, for several
//     instances sharing one bucket.

package mirror

import (
	"context"
	"time"
)

const defaultRunLeaseTTL = 30 * time.Minute

// RunLease is a held lease on one mirror prefix. Token identifies the holder
// so one run cannot renew or release another run's lease.
type RunLease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// RunLeaseManager coordinates mirror runs. Acquire returns
// ErrRunLeaseConflict when the lease is already held. Release is
// best-effort and must not be skipped on error paths.
type RunLeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error)
	Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error)
	Release(ctx context.Context, lease *RunLease) error
}
