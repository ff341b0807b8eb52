package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/intentd/internal/model"
)

// Defaults for Options.
const (
	DefaultLockTTL   = 5 * time.Minute
	DefaultGrace     = 30 * time.Second
	DefaultCacheSize = 1024
)

// Store is the part of the durable tier the resolver needs.
// *store.Store implements it.
type Store interface {
	CreateExecution(ctx context.Context, exec model.Execution, params map[string]any) (model.Execution, bool, error)
	LookupIdempotencyKey(ctx context.Context, key string) (model.Execution, bool, error)
}

// Options configures a Resolver.
type Options struct {
	// LockTTL bounds how long a crashed process can hold a key.
	LockTTL time.Duration

	// Grace keeps the key locked briefly after an execution finishes so
	// racing duplicates observe the terminal record.
	Grace time.Duration

	// CacheSize is the number of terminal executions kept in memory.
	CacheSize int
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.Grace < 0 {
		o.Grace = 0
	} else if o.Grace == 0 {
		o.Grace = DefaultGrace
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	return o
}

// Retention is how long a lease record must survive in a MemoryLocker: the
// longer of the lock TTL and the grace period.
func (o Options) Retention() time.Duration {
	o = o.withDefaults()
	return max(o.LockTTL, o.Grace)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Key string

	// Execution is the caller's new execution when Claimed, otherwise the
	// execution that already owns the key.
	Execution model.Execution

	// Claimed is true only for the caller whose execution now owns the
	// key; that caller must run it and call Release when it finishes.
	Claimed bool
}

// Resolver maps intents to executions.
type Resolver struct {
	store  Store
	locker Locker
	opts   Options
	group  singleflight.Group

	// Terminal executions by key, least recently used evicted first.
	cache *expirable.LRU[string, model.Execution]
}

// NewResolver creates a resolver. A nil locker uses a MemoryLocker.
func NewResolver(store Store, locker Locker, opts Options) *Resolver {
	opts = opts.withDefaults()
	if locker == nil {
		locker = NewMemoryLocker(nil, opts.Retention())
	}
	return &Resolver{
		store:  store,
		locker: locker,
		opts:   opts,
		cache:  expirable.NewLRU[string, model.Execution](opts.CacheSize, nil, 0),
	}
}

// Key fingerprints an intent. Non-idempotent intents fold in their
// execution id so every submission is distinct.
func Key(intent model.Intent, idempotent bool) (string, error) {
	if idempotent {
		return model.IdempotencyKey(intent.IntentType, intent.Parameters, intent.TenantID)
	}
	return model.UniqueIdempotencyKey(intent.IntentType, intent.Parameters, intent.TenantID, intent.ExecutionID)
}

// Resolve finds or creates the execution for intent. intent.ExecutionID
// must be set; it becomes the new execution's id if the key is claimed.
func (r *Resolver) Resolve(ctx context.Context, intent model.Intent, idempotent bool) (Resolution, error) {
	key, err := Key(intent, idempotent)
	if err != nil {
		return Resolution{}, err
	}

	if cached, ok := r.cached(key); ok {
		return Resolution{Key: key, Execution: cached}, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.claim(ctx, key, intent)
	})
	if err != nil {
		return Resolution{}, err
	}
	res := v.(Resolution)

	// Callers sharing a flight all see the winner's result; only the
	// winner owns it.
	res.Claimed = res.Claimed && res.Execution.ExecutionID == intent.ExecutionID
	return res, nil
}

func (r *Resolver) claim(ctx context.Context, key string, intent model.Intent) (Resolution, error) {
	locked, err := r.locker.Acquire(ctx, key, intent.ExecutionID, r.opts.LockTTL)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: %w", err)
	}
	if !locked {
		// Another process is running this key; report its execution.
		existing, found, err := r.store.LookupIdempotencyKey(ctx, key)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve: %w", err)
		}
		if found && existing.Reusable() {
			return Resolution{Key: key, Execution: existing}, nil
		}
		slog.Debug("key locked without a reusable holder, deferring to durable claim", "key", key)
	}

	exec := model.Execution{
		ExecutionID:    intent.ExecutionID,
		IntentType:     intent.IntentType,
		TenantID:       intent.TenantID,
		SessionID:      intent.SessionID,
		Status:         model.StatusSubmitted,
		IdempotencyKey: key,
	}
	got, claimed, err := r.store.CreateExecution(ctx, exec, intent.Parameters)
	if err != nil {
		if locked {
			r.unlock(ctx, key, intent.ExecutionID, 0)
		}
		return Resolution{}, fmt.Errorf("resolve: %w", err)
	}
	if !claimed {
		if locked {
			r.unlock(ctx, key, intent.ExecutionID, 0)
		}
		if got.Terminal() {
			r.remember(key, got)
		}
	}
	return Resolution{Key: key, Execution: got, Claimed: claimed}, nil
}

// Release records a finished execution and lets its key lock lapse after
// the grace period.
func (r *Resolver) Release(ctx context.Context, exec model.Execution) {
	if exec.Terminal() {
		r.remember(exec.IdempotencyKey, exec)
	}
	r.unlock(ctx, exec.IdempotencyKey, exec.ExecutionID, r.opts.Grace)
}

func (r *Resolver) unlock(ctx context.Context, key, owner string, grace time.Duration) {
	if err := r.locker.Release(context.WithoutCancel(ctx), key, owner, grace); err != nil {
		slog.Warn("key lock release failed", "key", key, "error", err)
	}
}

// remember caches terminal executions that later duplicates may reuse.
// Retryable failures are never cached so resubmission can reclaim the key.
func (r *Resolver) remember(key string, exec model.Execution) {
	if !exec.Reusable() {
		r.cache.Remove(key)
		return
	}
	r.cache.Add(key, exec)
}

func (r *Resolver) cached(key string) (model.Execution, bool) {
	return r.cache.Get(key)
}
