package cli

import (
	"context"

	"github.com/roach88/intentd/internal/app"
	"github.com/roach88/intentd/internal/config"
	"github.com/roach88/intentd/internal/contract"
	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/idempotency"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/statestore"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/tier"
	"github.com/roach88/intentd/internal/wal"
)

// Error codes for failures outside the engine's own taxonomy.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // Contract compilation failed
)

// appOptions maps configuration onto the runtime assembly.
func appOptions(cfg *config.Config) app.Options {
	subs := make([]app.Subscription, 0, len(cfg.WAL.Subscriptions))
	for _, s := range cfg.WAL.Subscriptions {
		subs = append(subs, app.Subscription{Group: s.Group, TenantID: s.Tenant})
	}

	return app.Options{
		Store: store.Options{
			Dialect: store.Dialect(cfg.Durable.Dialect),
			DSN:     cfg.Durable.DSN,
		},
		RedisURL: cfg.FastTier.RedisURL,
		FastTier: tier.RedisConfig{
			URL:       cfg.FastTier.RedisURL,
			KeyPrefix: cfg.FastTier.KeyPrefix,
			TTL:       cfg.FastTier.TTL,
		},
		MemoryTier: tier.MemoryConfig{
			Capacity: cfg.FastTier.Capacity,
			TTL:      cfg.FastTier.TTL,
		},
		LockPrefix: cfg.Idempotency.LockPrefix,
		StateStore: statestore.Options{
			FastTimeout:    cfg.Timeouts.Fast,
			DurableTimeout: cfg.Timeouts.Durable,
			CommitTimeout:  cfg.Timeouts.Commit,
			Recovery: statestore.RecoveryPolicy{
				InitialInterval: cfg.Recovery.InitialInterval,
				MaxInterval:     cfg.Recovery.MaxInterval,
				MaxTries:        cfg.Recovery.MaxTries,
				Workers:         cfg.Recovery.Workers,
			},
		},
		Idempotency: idempotency.Options{
			LockTTL:   cfg.Idempotency.LockTTL,
			Grace:     cfg.Idempotency.Grace,
			CacheSize: cfg.Idempotency.CacheSize,
		},
		Outbox: outbox.Options{
			PollInterval:   cfg.Outbox.PollInterval,
			BatchSize:      cfg.Outbox.BatchSize,
			MaxAttempts:    cfg.Outbox.MaxAttempts,
			InitialBackoff: cfg.Outbox.InitialBackoff,
			MaxBackoff:     cfg.Outbox.MaxBackoff,
		},
		WAL: wal.Options{
			Timeout:    cfg.WAL.Timeout,
			Visibility: cfg.WAL.Visibility,
		},
		DispatchInterval: cfg.WAL.DispatchInterval,
		DispatchBatch:    cfg.WAL.DispatchBatch,
		Subscriptions:    subs,
		Manager: []engine.ManagerOption{
			engine.WithWorkers(cfg.Executor.Workers),
			engine.WithDefaultTimeout(cfg.Timeouts.Execution),
			engine.WithReadTimeout(cfg.Timeouts.Read),
		},
	}
}

// openApp wires the engine described by opts' configuration. Contracts
// come from the configured directory, or the demo realm when unset.
func openApp(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}

	appOpts := appOptions(cfg)
	if cfg.Contracts.Dir != "" {
		set, err := contract.LoadDir(cfg.Contracts.Dir)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load contracts", err)
		}
		appOpts.Contracts = set
	}

	a, err := app.New(ctx, appOpts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	return a, nil
}

// openStore opens only the durable tier, for commands that inspect it.
func openStore(ctx context.Context, opts *RootOptions, skipMigrations bool) (*store.Store, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, store.Options{
		Dialect:        store.Dialect(cfg.Durable.Dialect),
		DSN:            cfg.Durable.DSN,
		SkipMigrations: skipMigrations,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open durable store", err)
	}
	return s, nil
}
