package mirror

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisLeasePrefix = "daedalus:run-lease:"

// RedisRunLeaseManager coordinates mirror runs across instances via Redis.
//
// Redis semantics:
//   - Acquire uses SET NX PX for atomic lock-with-TTL.
//   - Renew uses a token-checked Lua script (GET + PEXPIRE).
//   - Release uses a token-checked Lua script (GET + DEL).
type RedisRunLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisRunLeaseManager creates a Redis-backed lease manager. An empty
// prefix uses the default namespace.
func NewRedisRunLeaseManager(client redis.UniversalClient, prefix string) (*RedisRunLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisRunLeaseManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisRunLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrRunLeaseConflict
	}

	return &RunLease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

func (m *RedisRunLeaseManager) Renew(ctx context.Context, lease *RunLease, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}

	now := time.Now().UTC()
	res, err := renewLeaseScript.Run(ctx, m.Client, []string{m.key(lease.Key)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if res != 1 {
		return nil, ErrRunLeaseConflict
	}

	return &RunLease{Key: lease.Key, Token: lease.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release always talks to Redis on a fresh context: a cancelled run must
// still free its lease, otherwise every later run waits for the TTL.
func (m *RedisRunLeaseManager) Release(_ context.Context, lease *RunLease) error {
	if lease == nil || strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := releaseLeaseScript.Run(releaseCtx, m.Client, []string{m.key(lease.Key)}, lease.Token).Int()
	return err
}

func (m *RedisRunLeaseManager) key(key string) string {
	return m.Prefix + key
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var renewLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
