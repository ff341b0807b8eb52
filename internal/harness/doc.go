// Package harness runs YAML scenarios against a fully wired engine and
// compares the resulting traces with golden files.
//
// # Scenario Format
//
//	name: ingest_then_derive
//	description: "An insight derived from an ingested dataset"
//	stubs:
//	  - intent_type: flaky_export
//	    error: "upstream unavailable"
//	faults:
//	  durable_commit_failures: 1
//	steps:
//	  - submit:
//	      as: ingest
//	      intent_type: ingest_file
//	      tenant: tenant_a
//	      session: s1
//	      parameters: { uri: "gs://bucket/sales.csv" }
//	      expect: { status: COMPLETED, artifacts: 1 }
//	  - submit:
//	      as: insight
//	      intent_type: derive_insight
//	      tenant: tenant_a
//	      parameters: { dataset: "${ingest.artifact}", question: "growth?" }
//	  - publish: true
//	assertions:
//	  - type: lineage
//	    ref: insight.artifact
//	    direction: ancestors
//	    expect: [ingest.artifact]
//	  - type: trace_order
//	    labels: ["event:artifact.ready", "event:artifact.ready"]
//
// Steps run in order on the calling goroutine: a submit step submits its
// intent (copies > 1 submits concurrent duplicates), then drains the work
// queue so the execution finishes before the next step. publish drains the
// outbox into the WAL and records every newly appended event; advance moves
// the fake clock.
//
// References of the form ${name}, ${name.artifact} and ${name.artifact[i]}
// resolve to the execution id or artifact ids of an earlier step named with
// "as". Assertion refs use the same forms without the braces.
//
// # Assertion Types
//
//   - trace_contains: a trace event with the label exists
//   - trace_order: labels first appear in the given order
//   - trace_count: the label appears exactly count times
//   - execution: the named execution has status (and error_code)
//   - artifact: the named artifact is durably in state
//   - lineage: ancestors or descendants equal expect, nearest first
//   - handler_calls: the handler for intent_type ran exactly count times
//
// # Determinism
//
// Every scenario gets a fresh SQLite file, an in-memory fast tier, a fake
// clock starting at testutil.DefaultEpoch and sequential ids ("id-0001",
// ...), so traces are identical across runs.
package harness
