package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/intentd/internal/model"
)

// Defaults for Options.
const (
	DefaultPollInterval   = time.Second
	DefaultBatchSize      = 100
	DefaultMaxAttempts    = 8
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = time.Minute
)

// Store is the outbox table. *store.Store implements it.
type Store interface {
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	MarkOutboxFailed(ctx context.Context, id int64, attempts int, lastErr string) error
}

// Appender is the WAL. *wal.Log implements it.
type Appender interface {
	Append(ctx context.Context, partitionKey string, ev model.Event) (int64, error)
}

// Options configures a Publisher.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result summarizes one publishing pass.
type Result struct {
	Published int
	Retried   int
	Failed    int
	Held      int // Left pending behind an earlier retry in their partition
}

// Publisher drains the outbox into the WAL.
type Publisher struct {
	store  Store
	wal    Appender
	opts   Options
	wakeup chan struct{}
}

// NewPublisher creates a publisher.
func NewPublisher(store Store, wal Appender, opts Options) *Publisher {
	return &Publisher{
		store:  store,
		wal:    wal,
		opts:   opts.withDefaults(),
		wakeup: make(chan struct{}, 1),
	}
}

// Notify wakes the publisher before its next poll. Never blocks.
func (p *Publisher) Notify() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	slog.Info("outbox publisher starting", "poll_interval", p.opts.PollInterval)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		res, err := p.PublishDue(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Warn("outbox pass failed", "error", err)
		case res.Published+res.Retried+res.Failed > 0:
			slog.Debug("outbox pass",
				"published", res.Published,
				"retried", res.Retried,
				"failed", res.Failed,
			)
		}
		if res.Published == p.opts.BatchSize {
			continue // Full batch; more may be due
		}

		select {
		case <-ctx.Done():
			slog.Info("outbox publisher stopping")
			return nil
		case <-p.wakeup:
		case <-ticker.C:
		}
	}
}

// PublishDue publishes every row that is due now, up to one batch. Rows
// queued behind a retrying row of the same partition wait for it.
func (p *Publisher) PublishDue(ctx context.Context) (Result, error) {
	var res Result
	due, err := p.store.DueOutbox(ctx, p.opts.Now(), p.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load due outbox: %w", err)
	}

	// A partition stops at its first retry so later rows cannot take
	// earlier offsets.
	blocked := make(map[string]bool)
	for _, entry := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if blocked[entry.PartitionKey] {
			res.Held++
			continue
		}
		outcome, err := p.publish(ctx, entry)
		if err != nil {
			return res, err
		}
		switch outcome {
		case model.OutboxPublished:
			res.Published++
		case model.OutboxFailed:
			res.Failed++
		default:
			res.Retried++
			blocked[entry.PartitionKey] = true
		}
	}
	return res, nil
}

// publish appends one row and records the outcome. The returned error is
// only for failures to update the outbox itself.
func (p *Publisher) publish(ctx context.Context, entry model.OutboxEntry) (model.OutboxStatus, error) {
	offset, appendErr := p.wal.Append(ctx, entry.PartitionKey, entry.Event())
	if appendErr == nil {
		if err := p.store.MarkOutboxPublished(ctx, entry.ID); err != nil {
			return "", fmt.Errorf("mark published %d: %w", entry.ID, err)
		}
		slog.Debug("outbox entry published",
			"event_id", entry.EventID,
			"partition", entry.PartitionKey,
			"offset", offset,
		)
		return model.OutboxPublished, nil
	}

	attempts := entry.AttemptCount + 1
	// A malformed row will never append; park it immediately.
	if attempts >= p.opts.MaxAttempts || model.IsValidation(appendErr) {
		if err := p.store.MarkOutboxFailed(ctx, entry.ID, attempts, appendErr.Error()); err != nil {
			return "", fmt.Errorf("mark failed %d: %w", entry.ID, err)
		}
		slog.Error("outbox entry failed permanently",
			"event_id", entry.EventID,
			"attempts", attempts,
			"error", appendErr,
		)
		return model.OutboxFailed, nil
	}

	next := p.opts.Now().Add(p.Backoff(attempts))
	if err := p.store.MarkOutboxRetry(ctx, entry.ID, attempts, next, appendErr.Error()); err != nil {
		return "", fmt.Errorf("mark retry %d: %w", entry.ID, err)
	}
	slog.Warn("outbox append failed, will retry",
		"event_id", entry.EventID,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", appendErr,
	)
	return model.OutboxPending, nil
}

// Backoff returns the delay before retry number attempts (1-based).
// The schedule is deterministic: InitialBackoff doubling up to MaxBackoff.
func (p *Publisher) Backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
