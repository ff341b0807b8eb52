package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/intentd/internal/model"
)

// DefaultPollInterval is how often idle subscriptions poll the log.
const DefaultPollInterval = 500 * time.Millisecond

// Subscriber processes delivered entries. Returning an error leaves the
// entry unacked so it is redelivered after the visibility timeout.
type Subscriber interface {
	Handle(ctx context.Context, entry model.WALEntry) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, entry model.WALEntry) error

// Handle implements Subscriber.
func (f SubscriberFunc) Handle(ctx context.Context, entry model.WALEntry) error {
	return f(ctx, entry)
}

type subscription struct {
	group      string
	tenantID   string
	subscriber Subscriber
}

// Dispatcher drives subscribers, one loop per (group, tenant), over every
// partition of the tenant.
type Dispatcher struct {
	log      *Log
	interval time.Duration
	batch    int

	mu   sync.Mutex
	subs []subscription
}

// NewDispatcher creates a dispatcher. Zero interval or batch take defaults.
func NewDispatcher(log *Log, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batch <= 0 {
		batch = DefaultReadMax
	}
	return &Dispatcher{log: log, interval: interval, batch: batch}
}

// Subscribe registers sub for group over tenantID's partitions.
// Must be called before Run.
func (d *Dispatcher) Subscribe(group, tenantID string, sub Subscriber) error {
	if group == "" || tenantID == "" {
		return model.NewValidationError("subscription requires group and tenant")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if s.group == group && s.tenantID == tenantID {
			return model.NewValidationError("group %q already subscribed to tenant %q", group, tenantID)
		}
	}
	d.subs = append(d.subs, subscription{group: group, tenantID: tenantID, subscriber: sub})
	return nil
}

// Run polls every subscription until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	subs := append([]subscription(nil), d.subs...)
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			return d.loop(gctx, sub)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context, sub subscription) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		n, err := d.Poll(ctx, sub.group, sub.tenantID, sub.subscriber)
		if err != nil && ctx.Err() == nil {
			slog.Warn("wal poll failed",
				"group", sub.group,
				"tenant_id", sub.tenantID,
				"error", err,
			)
		}
		if n > 0 {
			continue // Drain backlog before sleeping
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one delivery pass over the tenant's partitions and returns
// the number of entries acked.
func (d *Dispatcher) Poll(ctx context.Context, group, tenantID string, sub Subscriber) (int, error) {
	partitions, err := d.log.Partitions(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	acked := 0
	for _, pk := range partitions {
		entries, err := d.log.ReadGroup(ctx, group, pk, d.batch)
		if err != nil {
			return acked, fmt.Errorf("read %s: %w", pk, err)
		}
		for _, entry := range entries {
			if err := sub.Handle(ctx, entry); err != nil {
				slog.Warn("subscriber failed, entry will be redelivered",
					"group", group,
					"partition", pk,
					"offset", entry.Offset,
					"error", err,
				)
				// Stop this partition so later entries are not
				// processed ahead of the failed one.
				break
			}
			if err := d.log.Ack(ctx, group, pk, entry.Offset); err != nil {
				return acked, fmt.Errorf("ack %s@%d: %w", pk, entry.Offset, err)
			}
			acked++
		}
	}
	return acked, nil
}
