package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup tracks which notifications were already sent.
type Dedup interface {
	// Claim reserves key for one sender. False means it was sent already
	// or another worker holds an unexpired claim.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// MarkSent records a successful send.
	MarkSent(ctx context.Context, key string) error
	// Release drops a claim so the key can be retried.
	Release(ctx context.Context, key string) error
}

// DefaultSentRetention is how long a sent marker suppresses replays.
const DefaultSentRetention = 7 * 24 * time.Hour

// =============================================================================
// MEMORY
// =============================================================================

type dedupEntry struct {
	sent    bool
	expires time.Time
}

// MemoryDedup is a process-local Dedup.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{entries: make(map[string]dedupEntry), now: time.Now}
}

func (m *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && (e.sent || e.expires.After(now)) {
		return false, nil
	}
	m.entries[key] = dedupEntry{expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryDedup) MarkSent(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = dedupEntry{sent: true}
	return nil
}

func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.sent {
		delete(m.entries, key)
	}
	return nil
}

// Sent reports whether key was marked sent.
func (m *MemoryDedup) Sent(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].sent
}

// =============================================================================
// REDIS
// =============================================================================

const (
	claimedValue = "claimed"
	sentValue    = "sent"
)

// redisReleaseClaimScript deletes the key only while it is still a claim.
var redisReleaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDedup shares dedup state across instances.
type RedisDedup struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisDedup(client *redis.Client, prefix string) *RedisDedup {
	return &RedisDedup{client: client, prefix: prefix, retention: DefaultSentRetention}
}

func (r *RedisDedup) key(k string) string {
	return r.prefix + k
}

func (r *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), claimedValue, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup claim: %w", err)
	}
	return ok, nil
}

func (r *RedisDedup) MarkSent(ctx context.Context, key string) error {
	if err := r.client.Set(ctx, r.key(key), sentValue, r.retention).Err(); err != nil {
		return fmt.Errorf("redis dedup mark sent: %w", err)
	}
	return nil
}

func (r *RedisDedup) Release(ctx context.Context, key string) error {
	if err := redisReleaseClaimScript.Run(ctx, r.client, []string{r.key(key)}, claimedValue).Err(); err != nil {
		return fmt.Errorf("redis dedup release: %w", err)
	}
	return nil
}
