// Package store provides the SQL-backed durable tier for intentd.
//
// One database holds every record that must survive a crash:
//   - Executions: status, idempotency key and append-only transitions
//   - Artifacts: committed artifact records and their lineage edges
//   - Outbox: events staged in the same transaction as their artifacts
//   - WAL: partitioned event log, consumer-group cursors and leases
//
// # Critical Patterns
//
// Atomic commit
//   - CommitExecution writes artifacts, lineage edges, outbox rows and the
//     COMPLETED transition in one transaction, or nothing
//
// Idempotent writes
//   - WAL appends use UNIQUE(event_id) with ON CONFLICT DO NOTHING
//   - Status changes are compare-and-set on the prior status
//
// Deterministic reads
//   - Transitions ORDER BY seq, WAL entries ORDER BY wal_offset,
//     lineage parents ORDER BY position
//
// # Dialects
//
// SQLite (mattn/go-sqlite3) is the default. PostgreSQL is reached through
// the pgx stdlib driver. Queries are written with ? placeholders and
// rebound per dialect. Schema migrations are embedded and applied with
// goose.
//
// Timestamps are stored as Unix milliseconds.
package store
