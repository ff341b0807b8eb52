package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/intentd/internal/model"
)

// DefaultKeyPrefix namespaces artifact keys.
const DefaultKeyPrefix = "intentd:artifact:"

// DefaultTTL bounds how long a fast-tier copy lives.
const DefaultTTL = 24 * time.Hour

// RedisConfig configures the Redis fast tier.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// KeyPrefix namespaces keys (default: intentd:artifact:).
	KeyPrefix string
	// TTL expires cached copies (default 24h). Zero keeps the default;
	// negative disables expiry.
	TTL time.Duration
}

// Redis is a fast tier storing msgpack-encoded artifacts in Redis.
type Redis struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects a Redis tier. Connection is lazy; the first call
// reports an unreachable server.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis tier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis tier: invalid URL: %w", err)
	}
	return NewRedisFromClient(goredis.NewClient(opts), cfg), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *goredis.Client, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return &Redis{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

// Name implements Tier.
func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(artifactID string) string {
	return r.prefix + artifactID
}

// Put implements Tier.
func (r *Redis) Put(ctx context.Context, a model.Artifact) error {
	data, err := msgpack.Marshal(&a)
	if err != nil {
		return fmt.Errorf("redis tier: encode %s: %w", a.ArtifactID, err)
	}
	if err := r.client.Set(ctx, r.key(a.ArtifactID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis tier: put %s: %w", a.ArtifactID, err)
	}
	return nil
}

// Get implements Tier.
func (r *Redis) Get(ctx context.Context, artifactID string) (model.Artifact, error) {
	data, err := r.client.Get(ctx, r.key(artifactID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Artifact{}, model.NewNotFoundError("artifact", artifactID)
	}
	if err != nil {
		return model.Artifact{}, fmt.Errorf("redis tier: get %s: %w", artifactID, err)
	}
	var a model.Artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return model.Artifact{}, fmt.Errorf("redis tier: decode %s: %w", artifactID, err)
	}
	return a, nil
}

// Delete implements Tier.
func (r *Redis) Delete(ctx context.Context, artifactID string) error {
	if err := r.client.Del(ctx, r.key(artifactID)).Err(); err != nil {
		return fmt.Errorf("redis tier: delete %s: %w", artifactID, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the underlying client so the idempotency locker can
// share the connection pool.
func (r *Redis) Client() *goredis.Client {
	return r.client
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Tier = (*Redis)(nil)
