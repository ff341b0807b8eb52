// Package model provides the canonical domain types for intentd.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import model; model imports nothing internal. This keeps
// the domain vocabulary as the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Intents are immutable once submitted (Clone before retaining)
//   - Idempotency fingerprints never include wall-clock time
//   - Artifact lifecycle transitions are monotonic (see lifecycle.go)
//   - All JSON tags use snake_case
package model
