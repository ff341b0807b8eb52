package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// DefaultVisibilityTimeout applies when ReadGroup is given none.
const DefaultVisibilityTimeout = 30 * time.Second

var errDuplicateEvent = errors.New("duplicate event")

// AppendWAL appends ev to a partition and returns its offset. Offsets
// start at 1 and are dense per partition. Appending an event_id already in
// the log returns the existing offset without writing.
func (s *Store) AppendWAL(ctx context.Context, partitionKey string, ev model.Event) (int64, error) {
	tenantID, day, err := model.ParsePartitionKey(partitionKey)
	if err != nil {
		return 0, model.NewValidationError("%v", err)
	}
	if ev.EventID == "" {
		return 0, model.NewValidationError("event_id is required")
	}

	if offset, ok, err := s.walOffset(ctx, ev.EventID); err != nil || ok {
		return offset, err
	}

	var offset int64
	err = s.InTx(ctx, func(tx *Tx) error {
		if err := tx.queryRow(ctx, `
			INSERT INTO wal_partitions (partition_key, tenant_id, day, next_offset)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(partition_key) DO UPDATE SET next_offset = wal_partitions.next_offset + 1
			RETURNING next_offset
		`, partitionKey, tenantID, day.Format(model.PartitionDateLayout)).Scan(&offset); err != nil {
			return fmt.Errorf("allocate offset: %w", err)
		}

		res, err := tx.exec(ctx, `
			INSERT INTO wal_entries (partition_key, wal_offset, event_id, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, partitionKey, offset, ev.EventID, ev.EventType, string(ev.Payload), toMillis(tx.now))
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert entry: rows affected: %w", err)
		}
		if n == 0 {
			return errDuplicateEvent // Roll back the offset allocation
		}
		return nil
	})
	if errors.Is(err, errDuplicateEvent) {
		offset, _, err := s.walOffset(ctx, ev.EventID)
		return offset, err
	}
	if err != nil {
		return 0, fmt.Errorf("append wal %s: %w", partitionKey, err)
	}
	return offset, nil
}

func (s *Store) walOffset(ctx context.Context, eventID string) (int64, bool, error) {
	var offset int64
	err := s.queryRow(ctx, `SELECT wal_offset FROM wal_entries WHERE event_id = ?`, eventID).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup event: %w", err)
	}
	return offset, true, nil
}

// ReadGroup leases up to max deliverable entries of a partition to group,
// in offset order. An entry is deliverable when it is past the group's
// cursor, not yet acked, and not leased or its lease has expired. Each
// returned entry stays invisible to the group for visibility.
func (s *Store) ReadGroup(ctx context.Context, groupID, partitionKey string, max int, visibility time.Duration) ([]model.WALEntry, error) {
	if groupID == "" {
		return nil, model.NewValidationError("group id is required")
	}
	if max <= 0 {
		max = 100
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}

	entries := []model.WALEntry{}
	err := s.InTx(ctx, func(tx *Tx) error {
		cursor, err := tx.cursor(ctx, groupID, partitionKey)
		if err != nil {
			return err
		}

		rows, err := tx.query(ctx, `
			SELECT e.partition_key, e.wal_offset, e.event_id, e.event_type, e.payload, e.created_at,
			       COALESCE(l.delivery_count, 0)
			FROM wal_entries e
			LEFT JOIN consumer_leases l
			  ON l.group_id = ? AND l.partition_key = e.partition_key AND l.wal_offset = e.wal_offset
			LEFT JOIN consumer_acks a
			  ON a.group_id = ? AND a.partition_key = e.partition_key AND a.wal_offset = e.wal_offset
			WHERE e.partition_key = ? AND e.wal_offset > ?
			  AND a.wal_offset IS NULL
			  AND (l.visible_at IS NULL OR l.visible_at <= ?)
			ORDER BY e.wal_offset ASC
			LIMIT ?
		`, groupID, groupID, partitionKey, cursor, toMillis(tx.now), max)
		if err != nil {
			return fmt.Errorf("query deliverable: %w", err)
		}
		for rows.Next() {
			var e model.WALEntry
			var payload string
			var created int64
			if err := rows.Scan(&e.PartitionKey, &e.Offset, &e.EventID, &e.EventType, &payload, &created, &e.DeliveryCount); err != nil {
				rows.Close()
				return fmt.Errorf("scan entry: %w", err)
			}
			e.Payload = []byte(payload)
			e.Timestamp = fromMillis(created)
			e.DeliveryCount++
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate entries: %w", err)
		}
		rows.Close()

		visibleAt := toMillis(tx.now.Add(visibility))
		for _, e := range entries {
			if _, err := tx.exec(ctx, `
				INSERT INTO consumer_leases (group_id, partition_key, wal_offset, visible_at, delivery_count)
				VALUES (?, ?, ?, ?, 1)
				ON CONFLICT(group_id, partition_key, wal_offset)
				DO UPDATE SET visible_at = excluded.visible_at, delivery_count = consumer_leases.delivery_count + 1
			`, groupID, partitionKey, e.Offset, visibleAt); err != nil {
				return fmt.Errorf("lease entry %d: %w", e.Offset, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read group %s %s: %w", groupID, partitionKey, err)
	}
	return entries, nil
}

// AckWAL acknowledges one delivered entry for group. The group's cursor
// advances over the contiguous acknowledged prefix; out-of-order acks are
// remembered until the gap closes. Acking at or below the cursor is a
// no-op.
func (s *Store) AckWAL(ctx context.Context, groupID, partitionKey string, offset int64) error {
	err := s.InTx(ctx, func(tx *Tx) error {
		var one int
		err := tx.queryRow(ctx, `SELECT 1 FROM wal_entries WHERE partition_key = ? AND wal_offset = ?`,
			partitionKey, offset).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError("wal entry", partitionKey+"@"+strconv.FormatInt(offset, 10))
		}
		if err != nil {
			return fmt.Errorf("lookup entry: %w", err)
		}

		cursor, err := tx.cursor(ctx, groupID, partitionKey)
		if err != nil {
			return err
		}
		if offset <= cursor {
			return nil
		}

		if _, err := tx.exec(ctx, `
			INSERT INTO consumer_acks (group_id, partition_key, wal_offset) VALUES (?, ?, ?)
			ON CONFLICT(group_id, partition_key, wal_offset) DO NOTHING
		`, groupID, partitionKey, offset); err != nil {
			return fmt.Errorf("record ack: %w", err)
		}
		if _, err := tx.exec(ctx, `
			DELETE FROM consumer_leases WHERE group_id = ? AND partition_key = ? AND wal_offset = ?
		`, groupID, partitionKey, offset); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}

		advanced := cursor
		for {
			res, err := tx.exec(ctx, `
				DELETE FROM consumer_acks WHERE group_id = ? AND partition_key = ? AND wal_offset = ?
			`, groupID, partitionKey, advanced+1)
			if err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("advance cursor: rows affected: %w", err)
			}
			if n == 0 {
				break
			}
			advanced++
		}
		if advanced == cursor {
			return nil
		}

		if _, err := tx.exec(ctx, `
			INSERT INTO consumer_cursors (group_id, partition_key, last_acked_offset) VALUES (?, ?, ?)
			ON CONFLICT(group_id, partition_key) DO UPDATE SET last_acked_offset = excluded.last_acked_offset
		`, groupID, partitionKey, advanced); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s %s@%d: %w", groupID, partitionKey, offset, err)
	}
	return nil
}

// Cursor returns a group's position in a partition. A group that never
// acked is at offset 0.
func (s *Store) Cursor(ctx context.Context, groupID, partitionKey string) (model.ConsumerGroupCursor, error) {
	offset, err := s.conn.cursor(ctx, groupID, partitionKey)
	if err != nil {
		return model.ConsumerGroupCursor{}, err
	}
	return model.ConsumerGroupCursor{GroupID: groupID, PartitionKey: partitionKey, LastAckedOffset: offset}, nil
}

func (c conn) cursor(ctx context.Context, groupID, partitionKey string) (int64, error) {
	var offset int64
	err := c.queryRow(ctx, `
		SELECT last_acked_offset FROM consumer_cursors WHERE group_id = ? AND partition_key = ?
	`, groupID, partitionKey).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return offset, nil
}

// PartitionHead returns the highest offset appended to a partition, or 0.
func (s *Store) PartitionHead(ctx context.Context, partitionKey string) (int64, error) {
	var head int64
	err := s.queryRow(ctx, `SELECT next_offset FROM wal_partitions WHERE partition_key = ?`, partitionKey).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("partition head: %w", err)
	}
	return head, nil
}

// Partitions returns a tenant's partition keys, oldest day first.
func (s *Store) Partitions(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT partition_key FROM wal_partitions WHERE tenant_id = ? ORDER BY day ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	return scanIDs(rows)
}

// TrimWAL deletes every partition dated before the given day together with
// its cursors, acks and leases. Returns the trimmed partition keys.
func (s *Store) TrimWAL(ctx context.Context, before time.Time) ([]string, error) {
	cutoff := before.UTC().Format(model.PartitionDateLayout)
	var trimmed []string
	err := s.InTx(ctx, func(tx *Tx) error {
		rows, err := tx.query(ctx, `SELECT partition_key FROM wal_partitions WHERE day < ? ORDER BY day ASC`, cutoff)
		if err != nil {
			return fmt.Errorf("query expired partitions: %w", err)
		}
		keys, err := scanIDs(rows)
		if err != nil {
			return err
		}
		for _, key := range keys {
			for _, table := range []string{"consumer_leases", "consumer_acks", "consumer_cursors", "wal_entries", "wal_partitions"} {
				if _, err := tx.exec(ctx, `DELETE FROM `+table+` WHERE partition_key = ?`, key); err != nil {
					return fmt.Errorf("trim %s from %s: %w", key, table, err)
				}
			}
		}
		trimmed = keys
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trim wal: %w", err)
	}
	return trimmed, nil
}
