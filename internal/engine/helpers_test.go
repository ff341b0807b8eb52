package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/intentd/internal/idempotency"
	"github.com/roach88/intentd/internal/lineage"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/statestore"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
	"github.com/roach88/intentd/internal/tier"
)

// testEngine is a fully wired manager over a temp SQLite store.
type testEngine struct {
	manager  *Manager
	registry *Registry
	store    *store.Store
	fast     *tier.Memory
	states   *statestore.DualTierStore
	clock    *testutil.FakeClock
}

type engineConfig struct {
	durable statestore.Durable // Defaults to the store
	opts    []ManagerOption
}

func newTestEngine(t *testing.T, cfg engineConfig) *testEngine {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(context.Background(), store.Options{
		DSN: filepath.Join(t.TempDir(), "engine.db"),
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	durable := cfg.durable
	if durable == nil {
		durable = s
	}
	fast := tier.NewMemory(tier.MemoryConfig{})
	states := statestore.New(fast, durable, statestore.Options{
		Recovery: statestore.RecoveryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxTries:        2,
		},
	})
	t.Cleanup(func() { states.Close() })

	registry := NewRegistry()
	opts := append([]ManagerOption{
		WithIDGenerator(testutil.NewSequenceIDs("id")),
		WithClock(clock.Now),
	}, cfg.opts...)
	m := NewManager(
		s,
		states,
		lineage.NewTracker(s),
		idempotency.NewResolver(s, idempotency.NewMemoryLocker(nil, 0), idempotency.Options{Grace: -1}),
		registry,
		opts...,
	)
	return &testEngine{manager: m, registry: registry, store: s, fast: fast, states: states, clock: clock}
}

// submitAndRun submits an intent and processes the queue synchronously.
func (e *testEngine) submitAndRun(t *testing.T, in model.Intent) model.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := e.manager.Submit(ctx, in)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	e.manager.ProcessPending(ctx)
	done, err := e.manager.Status(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	return done
}

func ingestIntent(uri string) model.Intent {
	return model.Intent{
		IntentType: "ingest_file",
		Parameters: map[string]any{"uri": uri},
		TenantID:   "tenant_a",
		SessionID:  "s1",
	}
}

// datasetHandler produces one READY dataset per call.
func datasetHandler(calls *int) Handler {
	return HandlerFunc(func(ctx context.Context, in model.Intent) ([]model.Artifact, error) {
		if calls != nil {
			*calls++
		}
		uri, _ := in.Parameters["uri"].(string)
		return []model.Artifact{{
			ArtifactType:       "dataset",
			SemanticDescriptor: json.RawMessage(`{"source":"` + uri + `"}`),
			Materializations:   []model.Materialization{{StorageType: "gcs", URI: uri, Format: "csv"}},
		}}, nil
	})
}

// deriveHandler produces an insight whose parent is params["parent"].
func deriveHandler() Handler {
	return HandlerFunc(func(ctx context.Context, in model.Intent) ([]model.Artifact, error) {
		parent, _ := in.Parameters["parent"].(string)
		return []model.Artifact{{
			ArtifactType:    "insight",
			ParentArtifacts: []string{parent},
		}}, nil
	})
}

// failingDurable fails every commit but serves reads from the store.
type failingDurable struct {
	*store.Store
}

func (failingDurable) CommitExecution(context.Context, store.Commit) error {
	return errTestDiskFull
}
