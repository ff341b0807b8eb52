package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionTransitions(t *testing.T) {
	allowed := [][2]ExecutionStatus{
		{StatusSubmitted, StatusRunning},
		{StatusSubmitted, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	for _, tr := range allowed {
		assert.NoError(t, CheckExecutionTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	disallowed := [][2]ExecutionStatus{
		{StatusSubmitted, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusRunning, StatusSubmitted},
	}
	for _, tr := range disallowed {
		assert.Error(t, CheckExecutionTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestLifecycleTransitionsMonotonic(t *testing.T) {
	assert.NoError(t, CheckLifecycleTransition(StatePending, StateReady))
	assert.NoError(t, CheckLifecycleTransition(StatePending, StateActive))
	assert.NoError(t, CheckLifecycleTransition(StateActive, StateTerminated))

	err := CheckLifecycleTransition(StateReady, StatePending)
	assert.True(t, IsValidation(err))
	assert.Error(t, CheckLifecycleTransition(StateTerminated, StateActive))
	assert.Error(t, CheckLifecycleTransition(StateReady, StateTerminated))

	for _, s := range []LifecycleState{StatePending, StateReady, StateActive, StateTerminated} {
		for _, to := range []LifecycleState{StatePending, StateReady, StateActive, StateTerminated} {
			if CheckLifecycleTransition(s, to) == nil {
				assert.Greater(t, to.Rank(), s.Rank(), "%s -> %s", s, to)
			}
		}
	}
}

func TestCommittedState(t *testing.T) {
	assert.Equal(t, StateReady, CommittedState(""))
	assert.Equal(t, StateReady, CommittedState(StatePending))
	assert.Equal(t, StateActive, CommittedState(StateActive))
}

func TestIntentValidate(t *testing.T) {
	ok := Intent{IntentType: "ingest_file", TenantID: "t1", Parameters: map[string]any{"uri": "x"}}
	assert.NoError(t, ok.Validate())

	missingType := ok
	missingType.IntentType = " "
	assert.True(t, IsValidation(missingType.Validate()))

	missingTenant := ok
	missingTenant.TenantID = ""
	assert.True(t, IsValidation(missingTenant.Validate()))

	slash := ok
	slash.TenantID = "a/b"
	assert.True(t, IsValidation(slash.Validate()))

	badParams := ok
	badParams.Parameters = map[string]any{"ch": make(chan int)}
	assert.True(t, IsValidation(badParams.Validate()))

	// "é" precomposed and decomposed name the same key after NFC.
	ambiguous := ok
	ambiguous.Parameters = map[string]any{"caf\u00e9": 1, "cafe\u0301": 2}
	err := ambiguous.Validate()
	assert.True(t, IsValidation(err), "got %v", err)

	badUTF8 := ok
	badUTF8.Parameters = map[string]any{"uri": "gs://b/\xff.csv"}
	assert.True(t, IsValidation(badUTF8.Validate()))

	badKey := ok
	badKey.Parameters = map[string]any{"\xfe": "x"}
	assert.True(t, IsValidation(badKey.Validate()))

	badTenant := ok
	badTenant.TenantID = "t\xff"
	assert.True(t, IsValidation(badTenant.Validate()))
}

func TestArtifactValidateOutput(t *testing.T) {
	a := Artifact{ArtifactType: "dataset", ParentArtifacts: []string{"p1"}}
	assert.NoError(t, a.ValidateOutput())

	dup := a
	dup.ParentArtifacts = []string{"p1", "p1"}
	assert.Error(t, dup.ValidateOutput())

	term := a
	term.LifecycleState = StateTerminated
	assert.Error(t, term.ValidateOutput())

	badDesc := a
	badDesc.SemanticDescriptor = []byte("{not json")
	assert.Error(t, badDesc.ValidateOutput())

	badMat := a
	badMat.Materializations = []Materialization{{StorageType: "gcs"}}
	assert.Error(t, badMat.ValidateOutput())
}

func TestArtifactVisibleTo(t *testing.T) {
	a := Artifact{Scope: Scope{TenantID: "t1", SessionID: "s1"}}
	assert.True(t, a.VisibleTo("t1", "s1"))
	assert.True(t, a.VisibleTo("t1", ""))
	assert.False(t, a.VisibleTo("t1", "s2"))
	assert.False(t, a.VisibleTo("t2", "s1"))
	assert.False(t, a.VisibleTo("", ""))
}

func TestExecutionReusable(t *testing.T) {
	assert.True(t, Execution{Status: StatusRunning}.Reusable())
	assert.True(t, Execution{Status: StatusCompleted}.Reusable())
	assert.True(t, Execution{Status: StatusFailed, Error: &ErrorInfo{Code: CodeHandler}}.Reusable())
	assert.True(t, Execution{Status: StatusFailed, Error: &ErrorInfo{Code: CodeValidation}}.Reusable())
	assert.False(t, Execution{Status: StatusFailed, Error: &ErrorInfo{Code: CodeTimeout}}.Reusable())
	assert.False(t, Execution{Status: StatusFailed, Error: &ErrorInfo{Code: CodeDurability}}.Reusable())
}
