package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/testutil"
)

// createTestStore opens a fresh SQLite store driven by a fake clock.
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s := openTestStoreAt(t, filepath.Join(t.TempDir(), "test.db"), clock)
	return s, clock
}

func openTestStoreAt(t *testing.T, path string, clock *testutil.FakeClock) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dialect: DialectSQLite, DSN: path, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createRunningExecution records an execution and moves it to RUNNING.
func createRunningExecution(t *testing.T, s *Store, id, key string) model.Execution {
	t.Helper()
	ctx := context.Background()
	exec := model.Execution{
		ExecutionID:    id,
		IntentType:     "ingest_file",
		TenantID:       "tenant_a",
		SessionID:      "s1",
		IdempotencyKey: key,
	}
	created, claimed, err := s.CreateExecution(ctx, exec, map[string]any{"uri": "gs://b/" + id})
	if err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	if !claimed {
		t.Fatalf("CreateExecution() did not claim key %s", key)
	}
	if err := s.TransitionExecution(ctx, id, model.StatusSubmitted, model.StatusRunning, nil, nil); err != nil {
		t.Fatalf("TransitionExecution() failed: %v", err)
	}
	created.Status = model.StatusRunning
	return created
}

// testArtifact builds a committed artifact produced by execID.
func testArtifact(id, execID string, parents ...string) model.Artifact {
	if parents == nil {
		parents = []string{}
	}
	return model.Artifact{
		ArtifactID:         id,
		ArtifactType:       "dataset",
		LifecycleState:     model.StateReady,
		ProducedBy:         model.Provenance{IntentType: "ingest_file", ExecutionID: execID},
		ParentArtifacts:    parents,
		SemanticDescriptor: json.RawMessage(`{"rows":3}`),
		Materializations:   []model.Materialization{{StorageType: "gcs", URI: "gs://b/" + id, Format: "parquet"}},
		Scope:              model.Scope{TenantID: "tenant_a", SessionID: "s1"},
	}
}

func testOutbox(eventID, artifactID string) model.OutboxEntry {
	return model.OutboxEntry{
		EventID:      eventID,
		ArtifactID:   artifactID,
		EventType:    model.EventArtifactReady,
		PartitionKey: "tenant_a/2026-01-27",
		Payload:      json.RawMessage(`{"artifact_id":"` + artifactID + `"}`),
	}
}

// commitArtifacts runs a full commit for a fresh execution.
func commitArtifacts(t *testing.T, s *Store, execID string, artifacts ...model.Artifact) {
	t.Helper()
	createRunningExecution(t, s, execID, "key-"+execID)
	c := Commit{ExecutionID: execID}
	for _, a := range artifacts {
		a.ProducedBy.ExecutionID = execID
		c.Artifacts = append(c.Artifacts, a)
		c.Outbox = append(c.Outbox, testOutbox("ev-"+a.ArtifactID, a.ArtifactID))
	}
	if err := s.CommitExecution(context.Background(), c); err != nil {
		t.Fatalf("CommitExecution() failed: %v", err)
	}
}
