package wal

import (
	"context"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// Defaults for Options.
const (
	DefaultTimeout           = 2 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultReadMax           = 100
)

// Store is the durable backing of the log. *store.Store implements it.
type Store interface {
	AppendWAL(ctx context.Context, partitionKey string, ev model.Event) (int64, error)
	ReadGroup(ctx context.Context, groupID, partitionKey string, max int, visibility time.Duration) ([]model.WALEntry, error)
	AckWAL(ctx context.Context, groupID, partitionKey string, offset int64) error
	Cursor(ctx context.Context, groupID, partitionKey string) (model.ConsumerGroupCursor, error)
	PartitionHead(ctx context.Context, partitionKey string) (int64, error)
	Partitions(ctx context.Context, tenantID string) ([]string, error)
	TrimWAL(ctx context.Context, before time.Time) ([]string, error)
}

// Options configures a Log.
type Options struct {
	// Timeout bounds each store call.
	Timeout time.Duration

	// Visibility is how long a read entry stays hidden from its group.
	Visibility time.Duration
}

// Log is the WAL API used by the publisher, dispatcher and HTTP surface.
type Log struct {
	store Store
	opts  Options
}

// NewLog creates a log over store.
func NewLog(store Store, opts Options) *Log {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibilityTimeout
	}
	return &Log{store: store, opts: opts}
}

// Visibility returns the configured visibility timeout.
func (l *Log) Visibility() time.Duration {
	return l.opts.Visibility
}

// Append writes ev to the partition and returns its offset. Re-appending
// an event id returns the original offset.
func (l *Log) Append(ctx context.Context, partitionKey string, ev model.Event) (int64, error) {
	return model.Within(ctx, l.opts.Timeout, "wal append", func(ctx context.Context) (int64, error) {
		return l.store.AppendWAL(ctx, partitionKey, ev)
	})
}

// ReadGroup leases up to max deliverable entries of the partition to group,
// in offset order.
func (l *Log) ReadGroup(ctx context.Context, group, partitionKey string, max int) ([]model.WALEntry, error) {
	if _, _, err := model.ParsePartitionKey(partitionKey); err != nil {
		return nil, model.NewValidationError("%v", err)
	}
	if max <= 0 {
		max = DefaultReadMax
	}
	return model.Within(ctx, l.opts.Timeout, "wal read", func(ctx context.Context) ([]model.WALEntry, error) {
		return l.store.ReadGroup(ctx, group, partitionKey, max, l.opts.Visibility)
	})
}

// Ack marks one offset as processed by group.
func (l *Log) Ack(ctx context.Context, group, partitionKey string, offset int64) error {
	if offset <= 0 {
		return model.NewValidationError("offset must be positive, got %d", offset)
	}
	return model.WithinErr(ctx, l.opts.Timeout, "wal ack", func(ctx context.Context) error {
		return l.store.AckWAL(ctx, group, partitionKey, offset)
	})
}

// Lag reports how many entries of the partition group has not yet acked
// contiguously.
func (l *Log) Lag(ctx context.Context, group, partitionKey string) (int64, error) {
	return model.Within(ctx, l.opts.Timeout, "wal lag", func(ctx context.Context) (int64, error) {
		head, err := l.store.PartitionHead(ctx, partitionKey)
		if err != nil {
			return 0, err
		}
		cur, err := l.store.Cursor(ctx, group, partitionKey)
		if err != nil {
			return 0, err
		}
		return head - cur.LastAckedOffset, nil
	})
}

// Cursor returns group's position in the partition.
func (l *Log) Cursor(ctx context.Context, group, partitionKey string) (model.ConsumerGroupCursor, error) {
	return model.Within(ctx, l.opts.Timeout, "wal cursor", func(ctx context.Context) (model.ConsumerGroupCursor, error) {
		return l.store.Cursor(ctx, group, partitionKey)
	})
}

// Partitions lists a tenant's partitions, oldest first.
func (l *Log) Partitions(ctx context.Context, tenantID string) ([]string, error) {
	return model.Within(ctx, l.opts.Timeout, "wal partitions", func(ctx context.Context) ([]string, error) {
		return l.store.Partitions(ctx, tenantID)
	})
}

// Trim drops partitions whose day is before the cutoff.
func (l *Log) Trim(ctx context.Context, before time.Time) ([]string, error) {
	return model.Within(ctx, l.opts.Timeout, "wal trim", func(ctx context.Context) ([]string, error) {
		return l.store.TrimWAL(ctx, before)
	})
}
