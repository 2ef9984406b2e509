package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects one sweeping instance per tick.
type Lease interface {
	// Acquire takes or renews the lease for ttl. False means another
	// instance holds it.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	// Release gives the lease up if this instance still holds it.
	Release(ctx context.Context) error
}

// redisAcquireScript renews the lease when the caller already owns it and
// otherwise takes it only if absent.
// KEYS[1] = lease key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds
var redisAcquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`)

// redisReleaseScript deletes the lease only when the caller owns it.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with a single Redis key.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
}

// NewRedisLease creates a lease on key. Each instance gets its own owner token.
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	return &RedisLease{client: client, key: key, owner: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := redisAcquireScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis lease acquire: %w", err)
	}
	return res == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := redisReleaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}
