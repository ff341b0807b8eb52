// Package engine runs intents to completion.
//
// ARCHITECTURE:
//
// Submission:
// Manager.Submit validates the intent, looks up its handler in the
// injected Registry, and asks the idempotency Resolver for an execution.
// Duplicates get the existing execution back; a new claim is queued.
//
// Execution Flow:
//  1. A worker dequeues the claimed execution (FIFO work queue)
//  2. SUBMITTED -> RUNNING in the durable tier
//  3. The handler runs under the execution deadline
//  4. The engine assigns ids, provenance and scope to the output
//  5. The state store commits artifacts, lineage edges, outbox rows and
//     RUNNING -> COMPLETED in one durable transaction
//  6. The outbox publisher is notified and the key lock is released
//
// Any failure in steps 3-5 records RUNNING -> FAILED with a classified
// error; the state store guarantees no READY artifact survives it.
//
// CRITICAL PATTERNS:
//
// Durable-first completion:
// COMPLETED is written only by the commit transaction itself, never by the
// manager after the fact. A caller that reads COMPLETED can read every
// artifact of the execution.
//
// Engine-assigned identity:
// Handlers describe what they produced; artifact ids (UUIDv7), provenance,
// scope and event ids are minted here so handlers cannot forge lineage.
package engine
