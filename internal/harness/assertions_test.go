package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	trace := []TraceEvent{
		{Type: EventSubmit, IntentType: "ingest_file", ExecutionID: "id-0001"},
		{Type: EventExecution, IntentType: "ingest_file", ExecutionID: "id-0001", Status: "COMPLETED"},
		{Type: EventRejected, IntentType: "ingest_file", ErrorCode: "VALIDATION_ERROR"},
		{Type: EventWAL, EventType: "artifact.ready", ArtifactID: "id-0002"},
		{Type: EventTerminate, ArtifactID: "id-0002", ErrorCode: "VALIDATION_ERROR"},
		{Type: EventWAL, EventType: "artifact.ready", ArtifactID: "id-0005"},
	}
	for i := range trace {
		trace[i].Seq = i + 1
	}
	return trace
}

func TestTraceEventLabel(t *testing.T) {
	trace := sampleTrace()
	want := []string{
		"submit:ingest_file",
		"execution:COMPLETED",
		"rejected:VALIDATION_ERROR",
		"event:artifact.ready",
		"terminate:VALIDATION_ERROR",
		"event:artifact.ready",
	}
	for i, ev := range trace {
		assert.Equal(t, want[i], ev.Label())
	}
	assert.Equal(t, "terminate:TERMINATED", TraceEvent{Type: EventTerminate, State: "TERMINATED"}.Label())
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Label: "execution:COMPLETED"}))

	err := assertTraceContains(trace, Assertion{Type: AssertTraceContains, Label: "execution:FAILED"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "execution:FAILED", ae.Expected)
	assert.Equal(t, "not found in trace", ae.Actual)
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()
	tests := []struct {
		name   string
		labels []string
		ok     bool
	}{
		{"in order with gaps", []string{"submit:ingest_file", "event:artifact.ready"}, true},
		{"repeated label", []string{"event:artifact.ready", "event:artifact.ready"}, true},
		{"repeated too often", []string{"event:artifact.ready", "event:artifact.ready", "event:artifact.ready"}, false},
		{"reversed", []string{"event:artifact.ready", "submit:ingest_file"}, false},
		{"missing label", []string{"submit:ingest_file", "execution:FAILED"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(trace, Assertion{Type: AssertTraceOrder, Labels: tt.labels})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Label: "event:artifact.ready", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Label: "execution:FAILED", Count: 0}))

	err := assertTraceCount(trace, Assertion{Type: AssertTraceCount, Label: "event:artifact.ready", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences of event:artifact.ready")
	assert.Contains(t, err.Error(), "Actual: 2 occurrences")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "x",
		Actual:   "y",
		Trace:    sampleTrace()[:2],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] submit:ingest_file id-0001")
	assert.Contains(t, msg, "[2] execution:COMPLETED id-0001")

	bare := (&AssertionError{Type: AssertArtifact, Expected: "a", Actual: "b"}).Error()
	assert.NotContains(t, bare, "Full trace:")
}
