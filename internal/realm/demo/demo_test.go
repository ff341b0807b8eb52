package demo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
)

func demoIntent(intentType string, params map[string]any) model.Intent {
	return model.Intent{IntentType: intentType, Parameters: params, TenantID: "tenant_a", SessionID: "s1"}
}

func TestIngestFile(t *testing.T) {
	tests := []struct {
		name        string
		params      map[string]any
		wantStorage string
		wantFormat  string
	}{
		{"gcs csv", map[string]any{"uri": "gs://bucket/sales.csv"}, "gcs", "csv"},
		{"s3 parquet", map[string]any{"uri": "s3://lake/events.parquet"}, "s3", "parquet"},
		{"explicit format", map[string]any{"uri": "file:///tmp/dump", "format": "json"}, "local", "json"},
		{"unknown extension", map[string]any{"uri": "https://example.com/blob"}, "http", "binary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := IngestFile(context.Background(), demoIntent(IntentIngestFile, tt.params))
			require.NoError(t, err)
			require.Len(t, out, 1)

			a := out[0]
			assert.Equal(t, ArtifactDataset, a.ArtifactType)
			assert.Equal(t, model.StateReady, a.LifecycleState)
			require.Len(t, a.Materializations, 1)
			assert.Equal(t, tt.wantStorage, a.Materializations[0].StorageType)
			assert.Equal(t, tt.params["uri"], a.Materializations[0].URI)
			assert.Equal(t, tt.wantFormat, a.Materializations[0].Format)
			require.NoError(t, a.ValidateOutput())

			var desc map[string]string
			require.NoError(t, json.Unmarshal(a.SemanticDescriptor, &desc))
			assert.Equal(t, tt.params["uri"], desc["source"])
		})
	}
}

func TestIngestFileRejectsBadURI(t *testing.T) {
	_, err := IngestFile(context.Background(), demoIntent(IntentIngestFile, map[string]any{"uri": "ftp://host/a"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage scheme")

	_, err = IngestFile(context.Background(), demoIntent(IntentIngestFile, map[string]any{"uri": "plain"}))
	require.Error(t, err)

	_, err = IngestFile(context.Background(), demoIntent(IntentIngestFile, nil))
	require.Error(t, err)
}

func TestDeriveInsight(t *testing.T) {
	out, err := DeriveInsight(context.Background(), demoIntent(IntentDeriveInsight, map[string]any{
		"dataset":  "ds-1",
		"question": "which region grew fastest?",
	}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ArtifactInsight, out[0].ArtifactType)
	assert.Equal(t, []string{"ds-1"}, out[0].ParentArtifacts)
	require.NoError(t, out[0].ValidateOutput())

	_, err = DeriveInsight(context.Background(), demoIntent(IntentDeriveInsight, map[string]any{"dataset": "ds-1"}))
	require.Error(t, err)
}

func TestOpenSession(t *testing.T) {
	out, err := OpenSession(context.Background(), demoIntent(IntentOpenSession, map[string]any{"user": "ana", "label": "q3 review"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ArtifactSession, out[0].ArtifactType)
	assert.Equal(t, model.StateActive, out[0].LifecycleState)
	assert.JSONEq(t, `{"user":"ana","label":"q3 review"}`, string(out[0].SemanticDescriptor))
}

func TestContractsCoverHandlers(t *testing.T) {
	set, err := Contracts()
	require.NoError(t, err)
	assert.Equal(t, []string{IntentDeriveInsight, IntentIngestFile, IntentOpenSession}, set.Types())

	assert.NoError(t, set.ValidateIntent(demoIntent(IntentIngestFile, map[string]any{"uri": "gs://b/f.csv"})))
	err = set.ValidateIntent(demoIntent(IntentIngestFile, map[string]any{"uri": "ftp://b/f.csv"}))
	assert.True(t, model.IsValidation(err), "got %v", err)
	err = set.ValidateIntent(demoIntent(IntentDeriveInsight, map[string]any{"dataset": "", "question": "q"}))
	assert.True(t, model.IsValidation(err), "got %v", err)
}

func TestRegisterAppliesContracts(t *testing.T) {
	set, err := Contracts()
	require.NoError(t, err)

	reg := engine.NewRegistry()
	require.NoError(t, Register(reg, set))
	assert.Equal(t, []string{IntentDeriveInsight, IntentIngestFile, IntentOpenSession}, reg.Types())

	ingest, ok := reg.Lookup(IntentIngestFile)
	require.True(t, ok)
	assert.True(t, ingest.Idempotent)
	assert.Equal(t, 30*time.Second, ingest.Timeout)

	session, ok := reg.Lookup(IntentOpenSession)
	require.True(t, ok)
	assert.False(t, session.Idempotent)

	err = Register(reg, set)
	require.Error(t, err, "second registration must collide")
}

func TestRegisterWithoutContracts(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg, nil))

	session, ok := reg.Lookup(IntentOpenSession)
	require.True(t, ok)
	assert.True(t, session.Idempotent)
	assert.Zero(t, session.Timeout)
}
