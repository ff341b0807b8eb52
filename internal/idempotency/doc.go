// Package idempotency decides whether an intent needs a new execution.
//
// The Resolver fingerprints an intent, collapses concurrent duplicates
// within the process with singleflight, and guards the key across
// processes with a short-lived Locker lease. The durable tier is the final
// authority: CreateExecution claims the key atomically and returns the
// existing execution on collision.
package idempotency
