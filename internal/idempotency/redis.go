package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultLockPrefix namespaces lock keys in Redis.
const DefaultLockPrefix = "intentd:lock:"

// releaseScript shortens or drops a lease only if owner still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return redis.call("DEL", KEYS[1])
`)

// RedisLocker leases keys with SET NX PX so every engine process sharing
// the Redis instance sees the same locks.
type RedisLocker struct {
	client *goredis.Client
	prefix string
}

// NewRedisLocker creates a locker on client. An empty prefix uses
// DefaultLockPrefix.
func NewRedisLocker(client *goredis.Client, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker requires a client")
	}
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

// Acquire implements Locker.
func (r *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock acquire: %w", err)
	}
	if ok {
		return true, nil
	}

	// Re-entrant for the current owner.
	cur, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis lock acquire: %w", err)
	}
	if cur != owner {
		return false, nil
	}
	if err := r.client.PExpire(ctx, r.prefix+key, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis lock acquire: %w", err)
	}
	return true, nil
}

// Release implements Locker.
func (r *RedisLocker) Release(ctx context.Context, key, owner string, grace time.Duration) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, owner, grace.Milliseconds()).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}
