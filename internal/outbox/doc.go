// Package outbox publishes committed outbox rows to the WAL.
//
// Rows are written in the same transaction as the artifacts they describe,
// so an event exists if and only if its commit happened. The Publisher
// drains due rows into the WAL; a failed append is rescheduled with
// exponential backoff and, after MaxAttempts, parked as FAILED for an
// operator to requeue. WAL appends are idempotent on event id, which makes
// republishing after a crash harmless.
package outbox
