// Package app assembles the engine's components into one runtime.
//
// The same assembly backs the serve command, the one-shot CLI commands
// and the scenario harness; they differ only in the Options they pass.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/intentd/internal/contract"
	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/idempotency"
	"github.com/roach88/intentd/internal/lineage"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/realm/demo"
	"github.com/roach88/intentd/internal/statestore"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/tier"
	"github.com/roach88/intentd/internal/wal"
)

// Subscription attaches a WAL consumer group to a tenant's partitions.
type Subscription struct {
	Group    string
	TenantID string
}

// Options configures New. The zero value runs an in-memory fast tier over
// a SQLite file named by Store.DSN with the demo realm registered.
type Options struct {
	Store store.Options

	// RedisURL selects the Redis fast tier and the Redis key locker.
	// Empty uses in-process implementations.
	RedisURL   string
	FastTier   tier.RedisConfig
	LockPrefix string

	// MemoryTier sizes the in-process fast tier used without RedisURL.
	MemoryTier tier.MemoryConfig

	// WrapDurable decorates the durable tier seen by the dual-tier store.
	// The scenario harness uses it to inject commit failures.
	WrapDurable func(statestore.Durable) statestore.Durable

	StateStore  statestore.Options
	Idempotency idempotency.Options
	Outbox      outbox.Options
	WAL         wal.Options

	DispatchInterval time.Duration
	DispatchBatch    int
	Subscriptions    []Subscription

	// Contracts validates intents before dispatch. Nil uses the demo
	// realm's built-in contracts.
	Contracts *contract.Set

	// Register populates the handler registry. Nil registers the demo realm.
	Register func(*engine.Registry, *contract.Set) error

	Manager []engine.ManagerOption
}

// App is a wired engine.
type App struct {
	Store      *store.Store
	Fast       tier.Tier
	States     *statestore.DualTierStore
	Registry   *engine.Registry
	Contracts  *contract.Set
	Resolver   *idempotency.Resolver
	Manager    *engine.Manager
	Log        *wal.Log
	Publisher  *outbox.Publisher
	Dispatcher *wal.Dispatcher

	closers []func() error
}

// New opens the durable store and wires every component. The caller owns
// the returned App and must Close it.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = store.Open(ctx, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	locker, err := a.fastTier(opts)
	if err != nil {
		return nil, err
	}

	a.Contracts = opts.Contracts
	if a.Contracts == nil {
		if a.Contracts, err = demo.Contracts(); err != nil {
			return nil, fmt.Errorf("compile demo contracts: %w", err)
		}
	}

	a.Registry = engine.NewRegistry()
	register := opts.Register
	if register == nil {
		register = demo.Register
	}
	if err := register(a.Registry, a.Contracts); err != nil {
		return nil, err
	}

	var durable statestore.Durable = a.Store
	if opts.WrapDurable != nil {
		durable = opts.WrapDurable(durable)
	}
	a.States = statestore.New(a.Fast, durable, opts.StateStore)
	a.closers = append(a.closers, a.States.Close)

	if opts.Outbox.Now == nil {
		opts.Outbox.Now = opts.Store.Now
	}
	a.Log = wal.NewLog(a.Store, opts.WAL)
	a.Publisher = outbox.NewPublisher(a.Store, a.Log, opts.Outbox)
	a.Dispatcher = wal.NewDispatcher(a.Log, opts.DispatchInterval, opts.DispatchBatch)
	for _, sub := range opts.Subscriptions {
		if err := a.Dispatcher.Subscribe(sub.Group, sub.TenantID, LogSubscriber(sub.Group)); err != nil {
			return nil, err
		}
	}

	a.Resolver = idempotency.NewResolver(a.Store, locker, opts.Idempotency)
	managerOpts := append([]engine.ManagerOption{
		engine.WithValidator(a.Contracts),
		engine.WithNotifier(a.Publisher),
	}, opts.Manager...)
	if opts.Store.Now != nil {
		managerOpts = append([]engine.ManagerOption{engine.WithClock(opts.Store.Now)}, managerOpts...)
	}
	a.Manager = engine.NewManager(a.Store, a.States, lineage.NewTracker(a.Store), a.Resolver, a.Registry, managerOpts...)
	return a, nil
}

func (a *App) fastTier(opts Options) (idempotency.Locker, error) {
	if opts.RedisURL == "" {
		a.Fast = tier.NewMemory(opts.MemoryTier)
		return idempotency.NewMemoryLocker(opts.Store.Now, opts.Idempotency.Retention()), nil
	}

	redisOpts, err := goredis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("fast tier: invalid redis URL: %w", err)
	}
	client := goredis.NewClient(redisOpts)
	a.closers = append(a.closers, client.Close)

	a.Fast = tier.NewRedisFromClient(client, opts.FastTier)
	locker, err := idempotency.NewRedisLocker(client, opts.LockPrefix)
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// Run sweeps executions interrupted by a previous crash and then runs the
// manager, recovery workers, outbox publisher and WAL dispatcher until ctx
// is cancelled. extra runs alongside them (the HTTP server, for one).
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	swept, err := a.Manager.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep interrupted executions: %w", err)
	}
	if len(swept) > 0 {
		slog.Warn("failed executions interrupted by restart", "count", len(swept))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.States.Run(gctx) })
	g.Go(func() error { return a.Manager.Run(gctx) })
	g.Go(func() error { return a.Publisher.Run(gctx) })
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the store and fast tier. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LogSubscriber logs every event delivered to group.
func LogSubscriber(group string) wal.Subscriber {
	return wal.SubscriberFunc(func(ctx context.Context, entry model.WALEntry) error {
		slog.Info("event delivered",
			"group", group,
			"partition", entry.PartitionKey,
			"offset", entry.Offset,
			"event_id", entry.EventID,
			"event_type", entry.EventType,
			"delivery", entry.DeliveryCount,
		)
		return nil
	})
}
