package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/intentd/internal/model"
)

const outboxColumns = `id, event_id, artifact_id, event_type, partition_key, payload, status,
	attempt_count, next_attempt_at, last_error, created_at, updated_at`

// InsertOutbox stages an event. Call inside the transaction that writes the
// artifact the event describes.
func (tx *Tx) InsertOutbox(ctx context.Context, e model.OutboxEntry) (int64, error) {
	next := e.NextAttemptAt
	if next.IsZero() {
		next = tx.now
	}
	var id int64
	err := tx.queryRow(ctx, `
		INSERT INTO outbox
		(event_id, artifact_id, event_type, partition_key, payload, status,
		 attempt_count, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)
		RETURNING id
	`,
		e.EventID,
		e.ArtifactID,
		e.EventType,
		e.PartitionKey,
		string(e.Payload),
		string(model.OutboxPending),
		toMillis(next),
		toMillis(tx.now),
		toMillis(tx.now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	return id, nil
}

// DueOutbox returns PENDING entries whose next attempt is at or before now,
// oldest first. An entry waiting out a retry holds back every later entry
// of its partition. FAILED entries hold nothing back.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox o
		WHERE o.status = ? AND o.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox b
			WHERE b.partition_key = o.partition_key AND b.id < o.id
			  AND b.status = ? AND b.next_attempt_at > ?
		  )
		ORDER BY o.id ASC
		LIMIT ?
	`, string(model.OutboxPending), toMillis(now), string(model.OutboxPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	return scanOutbox(rows)
}

// MarkOutboxPublished records confirmed delivery to the WAL.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `
		UPDATE outbox SET status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?
	`, string(model.OutboxPublished), toMillis(s.now()), id, string(model.OutboxPending))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// MarkOutboxRetry records a failed attempt and schedules the next one.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	_, err := s.exec(ctx, `
		UPDATE outbox SET attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, attempts, toMillis(next), lastErr, toMillis(s.now()), id, string(model.OutboxPending))
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	return nil
}

// MarkOutboxFailed parks an entry for operator inspection.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	_, err := s.exec(ctx, `
		UPDATE outbox SET status = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(model.OutboxFailed), attempts, lastErr, toMillis(s.now()), id, string(model.OutboxPending))
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// ListOutbox returns entries with the given status (all when empty),
// oldest first.
func (s *Store) ListOutbox(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return scanOutbox(rows)
}

// OutboxSummary counts entries by status. Every status is present.
func (s *Store) OutboxSummary(ctx context.Context) (map[model.OutboxStatus]int, error) {
	summary := map[model.OutboxStatus]int{
		model.OutboxPending:   0,
		model.OutboxPublished: 0,
		model.OutboxFailed:    0,
	}
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox summary: %w", err)
		}
		summary[model.OutboxStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox summary: %w", err)
	}
	return summary, nil
}

// RequeueOutbox returns FAILED entries to PENDING with a fresh attempt
// budget. id 0 requeues every FAILED entry. Returns the number requeued.
func (s *Store) RequeueOutbox(ctx context.Context, id int64) (int64, error) {
	now := toMillis(s.now())
	query := `
		UPDATE outbox SET status = ?, attempt_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE status = ?`
	args := []any{string(model.OutboxPending), now, now, string(model.OutboxFailed)}
	if id != 0 {
		query += ` AND id = ?`
		args = append(args, id)
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue outbox: rows affected: %w", err)
	}
	return n, nil
}

func scanOutbox(rows *sql.Rows) ([]model.OutboxEntry, error) {
	defer rows.Close()
	entries := []model.OutboxEntry{}
	for rows.Next() {
		var e model.OutboxEntry
		var payload, status string
		var next, created, updated int64
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.ArtifactID,
			&e.EventType,
			&e.PartitionKey,
			&payload,
			&status,
			&e.AttemptCount,
			&next,
			&e.LastError,
			&created,
			&updated,
		); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Payload = []byte(payload)
		e.Status = model.OutboxStatus(status)
		e.NextAttemptAt = fromMillis(next)
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}
