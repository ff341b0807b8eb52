package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, content string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(content), "")
	if err != nil {
		t.Fatalf("ParseScenario() failed: %v", err)
	}
	return scenario
}

func run(t *testing.T, content string) *Result {
	t.Helper()
	result, err := Run(context.Background(), parse(t, content))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return result
}

func TestRun_ConcurrentDuplicatesShareOneExecution(t *testing.T) {
	result := run(t, `
name: concurrent
description: "copies race for one key"
steps:
  - submit:
      as: ingest
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "file:///tmp/a.csv" }
      copies: 8
      expect: { status: COMPLETED, artifacts: 1 }
assertions:
  - type: handler_calls
    intent_type: ingest_file
    count: 1
`)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, 8, result.Trace[0].Copies)
	assert.Empty(t, result.Trace[0].ExecutionID, "racing copies leave the id out")
	assert.Equal(t, "execution:COMPLETED", result.Trace[1].Label())
	assert.Equal(t, 1, result.HandlerCalls["ingest_file"])
}

func TestRun_NonIdempotentCopiesAreReported(t *testing.T) {
	result := run(t, `
name: non_idempotent_copies
description: "every copy of a non-idempotent intent is its own execution"
steps:
  - submit:
      intent_type: open_session
      tenant: tenant_a
      parameters: { user: ada }
      copies: 3
assertions:
  - type: handler_calls
    intent_type: open_session
    count: 3
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "3 concurrent submissions produced 3 executions")
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	result := run(t, `
name: mismatch
description: "expectations are checked per step"
steps:
  - submit:
      as: ingest
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "gs://b/x.csv" }
      expect: { status: FAILED, artifacts: 2 }
  - submit:
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "nope" }
assertions:
  - type: execution
    ref: ingest
    status: COMPLETED
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], `step "ingest": expected status FAILED, got COMPLETED`)
	assert.Contains(t, result.Errors[1], "expected 2 artifacts, got 1")
	assert.Contains(t, result.Errors[2], "unexpected VALIDATION_ERROR")
}

func TestRun_ReferencesResolveNestedParameters(t *testing.T) {
	result := run(t, `
name: references
description: "references resolve anywhere in parameters"
stubs:
  - intent_type: bundle
steps:
  - submit:
      as: ingest
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "gs://b/x.csv" }
  - submit:
      as: bundle
      intent_type: bundle
      tenant: tenant_a
      parameters:
        inputs: ["${ingest.artifact[0]}", "${ingest}"]
        meta: { source: "from ${ingest.artifact}" }
assertions:
  - type: execution
    ref: bundle
    status: COMPLETED
  - type: artifact
    ref: bundle.artifact
    state: READY
`)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_UnknownReferenceIsHarnessError(t *testing.T) {
	scenario := parse(t, `
name: bad_reference
description: "unknown step names abort the run"
steps:
  - submit:
      intent_type: derive_insight
      tenant: tenant_a
      parameters: { dataset: "${ghost.artifact}", question: "q" }
assertions:
  - type: trace_count
    label: "submit:derive_insight"
    count: 0
`)
	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown step "ghost"`)
}

func TestRun_TransientDurableFailureRecovers(t *testing.T) {
	result := run(t, `
name: transient_commit_failure
description: "a single failed commit is retried by recovery"
faults:
  durable_commit_failures: 2
steps:
  - submit:
      as: ingest
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "gs://b/x.csv" }
      expect: { status: COMPLETED, artifacts: 1 }
  - publish: true
assertions:
  - type: artifact
    ref: ingest.artifact
    state: READY
  - type: trace_contains
    label: "event:artifact.ready"
`)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_StubStateAndTimeout(t *testing.T) {
	result := run(t, `
name: stubs
description: "stubs produce artifacts or block until their deadline"
stubs:
  - intent_type: open_workspace
    artifact_type: workspace
    state: ACTIVE
    non_idempotent: true
  - intent_type: hang
    block: true
steps:
  - submit:
      as: ws
      intent_type: open_workspace
      tenant: tenant_a
  - submit:
      as: ws2
      intent_type: open_workspace
      tenant: tenant_a
  - submit:
      as: hang
      intent_type: hang
      tenant: tenant_a
      expect: { status: FAILED, error_code: TIMEOUT }
assertions:
  - type: artifact
    ref: ws.artifact
    state: ACTIVE
  - type: trace_count
    label: "execution:COMPLETED"
    count: 2
  - type: handler_calls
    intent_type: open_workspace
    count: 2
`)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_StubShadowingDemoIntentFails(t *testing.T) {
	scenario := parse(t, `
name: shadow
description: "stubs cannot replace demo handlers"
stubs:
  - intent_type: ingest_file
steps:
  - publish: true
assertions:
  - type: trace_count
    label: "event:artifact.ready"
    count: 0
`)
	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows a demo intent type")
}

func TestRun_ScenarioContracts(t *testing.T) {
	dir := t.TempDir()
	src := `package custom

intent: ingest_file: {
	parameters: {
		uri:  string
		tier: "hot" | "cold"
	}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contracts.cue"), []byte(src), 0644))

	content := `
name: custom_contracts
description: "contracts can be swapped per scenario"
contracts: ` + dir + `
steps:
  - submit:
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "gs://b/x.csv" }
      expect: { error_code: VALIDATION_ERROR }
  - submit:
      intent_type: ingest_file
      tenant: tenant_a
      parameters: { uri: "gs://b/x.csv", tier: hot }
      expect: { status: COMPLETED }
assertions:
  - type: trace_count
    label: "rejected:VALIDATION_ERROR"
    count: 1
`
	result := run(t, content)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_FailingAssertionsAreCollected(t *testing.T) {
	result := run(t, `
name: failing_assertions
description: "every failing assertion is reported"
steps:
  - submit:
      as: s
      intent_type: open_session
      tenant: tenant_a
      parameters: { user: ada }
assertions:
  - type: artifact
    ref: s.artifact
    state: TERMINATED
  - type: lineage
    ref: s.artifact
    expect: [s.artifact]
  - type: trace_contains
    label: "event:artifact.active"
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.True(t, strings.HasPrefix(result.Errors[0], "Assertion failed: artifact"), result.Errors[0])
	assert.Contains(t, result.Errors[1], "Assertion failed: lineage")
	assert.Contains(t, result.Errors[2], "Assertion failed: trace_contains")
}
