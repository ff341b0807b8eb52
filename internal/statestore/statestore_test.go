package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/tier"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "intentd.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startExecution(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	exec := model.Execution{
		ExecutionID:    id,
		IntentType:     "ingest_file",
		TenantID:       "tenant_a",
		SessionID:      "s1",
		IdempotencyKey: "key-" + id,
	}
	if _, _, err := s.CreateExecution(ctx, exec, map[string]any{"uri": id}); err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	if err := s.TransitionExecution(ctx, id, model.StatusSubmitted, model.StatusRunning, nil, nil); err != nil {
		t.Fatalf("TransitionExecution() failed: %v", err)
	}
}

func artifact(id, execID string, state model.LifecycleState, parents ...string) model.Artifact {
	if parents == nil {
		parents = []string{}
	}
	return model.Artifact{
		ArtifactID:         id,
		ArtifactType:       "dataset",
		LifecycleState:     state,
		ProducedBy:         model.Provenance{IntentType: "ingest_file", ExecutionID: execID},
		ParentArtifacts:    parents,
		SemanticDescriptor: json.RawMessage(`{"rows":3}`),
		Materializations:   []model.Materialization{{StorageType: "gcs", URI: "gs://b/" + id, Format: "parquet"}},
		Scope:              model.Scope{TenantID: "tenant_a", SessionID: "s1"},
	}
}

func commitOf(execID string, artifacts ...model.Artifact) store.Commit {
	c := store.Commit{ExecutionID: execID, Artifacts: artifacts}
	for _, a := range artifacts {
		c.Outbox = append(c.Outbox, model.OutboxEntry{
			EventID:      "ev-" + a.ArtifactID,
			ArtifactID:   a.ArtifactID,
			EventType:    model.EventArtifactReady,
			PartitionKey: "tenant_a/2026-01-27",
			Payload:      json.RawMessage(`{}`),
		})
	}
	return c
}

// fastOptions keeps recovery quick in tests.
func fastOptions() Options {
	return Options{
		FastTimeout:    50 * time.Millisecond,
		DurableTimeout: 50 * time.Millisecond,
		CommitTimeout:  200 * time.Millisecond,
		Recovery: RecoveryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxTries:        3,
			Workers:         1,
		},
	}
}

// blockingTier never answers until its context ends.
type blockingTier struct{}

func (blockingTier) Name() string { return "blocking" }
func (blockingTier) Put(ctx context.Context, _ model.Artifact) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingTier) Get(ctx context.Context, _ string) (model.Artifact, error) {
	<-ctx.Done()
	return model.Artifact{}, ctx.Err()
}
func (blockingTier) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// stubDurable lets tests script durable tier behaviour.
type stubDurable struct {
	commits   atomic.Int32
	commitErr func(n int32) error // n is the 1-based attempt
	get       func(ctx context.Context, id string) (model.Artifact, error)
	inner     Durable
}

func (d *stubDurable) GetArtifact(ctx context.Context, id string) (model.Artifact, error) {
	if d.get != nil {
		return d.get(ctx, id)
	}
	return d.inner.GetArtifact(ctx, id)
}

func (d *stubDurable) CommitExecution(ctx context.Context, c store.Commit) error {
	n := d.commits.Add(1)
	if d.commitErr != nil {
		if err := d.commitErr(n); err != nil {
			return err
		}
	}
	return d.inner.CommitExecution(ctx, c)
}

func (d *stubDurable) TransitionArtifact(ctx context.Context, id string, from, to model.LifecycleState, ev *model.OutboxEntry) (model.Artifact, error) {
	return d.inner.TransitionArtifact(ctx, id, from, to, ev)
}

func TestWrite_CommitsAndPromotes(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	ds := New(fast, db, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	a := artifact("art-1", "exec-1", model.StateReady)
	require.NoError(t, ds.Write(ctx, commitOf("exec-1", a)))

	cached, err := fast.Get(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, cached.LifecycleState)

	exec, err := db.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, exec.Status)
	assert.Equal(t, []model.ArtifactRef{a.Ref()}, exec.Artifacts)

	got, err := ds.Read(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "art-1", got.ArtifactID)
}

func TestWrite_TransientFailureRecovers(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	durable := &stubDurable{
		inner: db,
		commitErr: func(n int32) error {
			if n <= 2 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	require.NoError(t, ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady))))

	assert.Equal(t, int32(3), durable.commits.Load())
	assert.Equal(t, int64(1), ds.Stats().Recovered)

	cached, err := fast.Get(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, cached.LifecycleState)
}

func TestWrite_RecoveryThroughWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openStore(t)
	durable := &stubDurable{
		inner: db,
		commitErr: func(n int32) error {
			if n == 1 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	ds := New(tier.NewMemory(tier.MemoryConfig{}), durable, fastOptions())

	runDone := make(chan error, 1)
	go func() { runDone <- ds.Run(ctx) }()

	// Wait for Run to register itself.
	require.Eventually(t, func() bool {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		return ds.running
	}, time.Second, time.Millisecond)

	startExecution(t, db, "exec-1")
	require.NoError(t, ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady))))
	assert.Equal(t, int64(1), ds.Stats().Recovered)

	cancel()
	require.NoError(t, <-runDone)
	require.NoError(t, ds.Close())
}

func TestWrite_DurableFailureLeavesNothingReady(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	durable := &stubDurable{
		inner:     db,
		commitErr: func(int32) error { return errors.New("disk full") },
	}
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	err := ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady)))
	require.Error(t, err)
	assert.True(t, model.IsDurability(err), "expected DURABILITY_FAILURE, got %v", err)
	assert.Contains(t, err.Error(), "disk full")

	// 1 initial attempt + MaxTries retries.
	assert.Equal(t, int32(4), durable.commits.Load())
	assert.Equal(t, int64(1), ds.Stats().Abandoned)

	_, err = fast.Get(ctx, "art-1")
	assert.True(t, model.IsNotFound(err), "staged copy should be purged")

	_, err = ds.Read(ctx, "art-1")
	assert.True(t, model.IsNotFound(err))

	exec, err := db.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, exec.Status)
}

func TestWrite_ValidationErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	durable := &stubDurable{inner: db}
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	orphan := artifact("art-1", "exec-1", model.StateReady, "missing-parent")
	err := ds.Write(ctx, commitOf("exec-1", orphan))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "expected VALIDATION_ERROR, got %v", err)
	assert.Equal(t, int32(1), durable.commits.Load())
	assert.Zero(t, fast.Len())
}

func TestWrite_DeadlineYieldsTimeout(t *testing.T) {
	db := openStore(t)
	durable := &stubDurable{
		inner:     db,
		commitErr: func(int32) error { return errors.New("connection refused") },
	}
	opts := fastOptions()
	opts.Recovery.MaxTries = 1000
	opts.Recovery.InitialInterval = 10 * time.Millisecond
	ds := New(tier.NewMemory(tier.MemoryConfig{}), durable, opts)
	defer ds.Close()

	startExecution(t, db, "exec-1")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady)))
	require.Error(t, err)
	assert.True(t, model.IsTimeout(err), "expected TIMEOUT, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWrite_FastTierDownStillCommits(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	ds := New(blockingTier{}, db, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	require.NoError(t, ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady))))

	got, err := db.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, got.LifecycleState)
}

func TestWrite_ConflictIsNotRetried(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	startExecution(t, db, "exec-1")
	// A sweep already failed the execution.
	info := &model.ErrorInfo{Code: model.CodeTimeout, Message: "interrupted"}
	require.NoError(t, db.TransitionExecution(ctx, "exec-1", model.StatusRunning, model.StatusFailed, nil, info))

	durable := &stubDurable{inner: db}
	fast := tier.NewMemory(tier.MemoryConfig{})
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	err := ds.Write(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady)))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.False(t, model.IsDurability(err), "a lost race is not a durability failure")
	assert.Equal(t, int32(1), durable.commits.Load(), "conflicts must not be retried")
	assert.Zero(t, fast.Len(), "staged copies must be purged")

	_, err = db.GetArtifact(ctx, "art-1")
	assert.True(t, model.IsNotFound(err))
}

func TestRead_BothTiersTimeOut(t *testing.T) {
	durable := &stubDurable{
		get: func(ctx context.Context, _ string) (model.Artifact, error) {
			time.Sleep(time.Second) // Ignores ctx on purpose
			return model.Artifact{}, nil
		},
	}
	opts := fastOptions()
	ds := New(blockingTier{}, durable, opts)
	defer ds.Close()

	start := time.Now()
	_, err := ds.Read(context.Background(), "art-1")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, model.IsTimeout(err), "expected TIMEOUT, got %v", err)
	assert.False(t, model.IsNotFound(err), "timeout must never read as not found")
	assert.Less(t, elapsed, opts.FastTimeout+opts.DurableTimeout+200*time.Millisecond)
}

func TestRead_FastTierHangsDurableServes(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	startExecution(t, db, "exec-1")
	require.NoError(t, db.CommitExecution(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady))))

	opts := fastOptions()
	ds := New(blockingTier{}, db, opts)
	defer ds.Close()

	start := time.Now()
	got, err := ds.Read(ctx, "art-1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "art-1", got.ArtifactID)
	assert.Equal(t, model.StateReady, got.LifecycleState)
	assert.Less(t, elapsed, opts.FastTimeout+opts.DurableTimeout+200*time.Millisecond)
}

func TestRead_NotFoundInBothTiers(t *testing.T) {
	db := openStore(t)
	ds := New(tier.NewMemory(tier.MemoryConfig{}), db, fastOptions())
	defer ds.Close()

	_, err := ds.Read(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.False(t, model.IsTimeout(err))
}

func TestRead_RepairsFastTierFromDurable(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	startExecution(t, db, "exec-1")
	require.NoError(t, db.CommitExecution(ctx, commitOf("exec-1", artifact("art-1", "exec-1", model.StateReady))))

	fast := tier.NewMemory(tier.MemoryConfig{})
	ds := New(fast, db, fastOptions())

	got, err := ds.Read(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, got.LifecycleState)

	require.NoError(t, ds.Close()) // Waits for the repair
	cached, err := fast.Get(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, cached.LifecycleState)
	assert.Equal(t, int64(1), ds.Stats().Repaired)
}

func TestRead_DurableWinsOverStaleFastCopy(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	startExecution(t, db, "exec-1")
	require.NoError(t, db.CommitExecution(ctx, commitOf("exec-1", artifact("sess-1", "exec-1", model.StateActive))))
	_, err := db.TransitionArtifact(ctx, "sess-1", model.StateActive, model.StateTerminated, nil)
	require.NoError(t, err)

	fast := tier.NewMemory(tier.MemoryConfig{})
	require.NoError(t, fast.Put(ctx, artifact("sess-1", "exec-1", model.StateActive)))

	ds := New(fast, db, fastOptions())
	got, err := ds.Read(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, got.LifecycleState)

	require.NoError(t, ds.Close())
	cached, err := fast.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, cached.LifecycleState)
}

func TestRead_PendingCopyNeverExposed(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	require.NoError(t, fast.Put(ctx, artifact("art-1", "exec-1", model.StatePending)))

	ds := New(fast, db, fastOptions())
	defer ds.Close()

	_, err := ds.Read(ctx, "art-1")
	assert.True(t, model.IsNotFound(err))

	// In-flight staging is left alone.
	_, err = fast.Get(ctx, "art-1")
	assert.NoError(t, err)
}

func TestRead_ActiveCopyServedWhenDurableDown(t *testing.T) {
	ctx := context.Background()
	fast := tier.NewMemory(tier.MemoryConfig{})
	require.NoError(t, fast.Put(ctx, artifact("sess-1", "exec-1", model.StateActive)))

	durable := &stubDurable{
		get: func(ctx context.Context, _ string) (model.Artifact, error) {
			<-ctx.Done()
			return model.Artifact{}, ctx.Err()
		},
	}
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	got, err := ds.Read(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.LifecycleState)
	assert.Equal(t, int64(1), ds.Stats().DegradedReads)
}

func TestRead_ReadyCopyServedFromFastTier(t *testing.T) {
	ctx := context.Background()
	fast := tier.NewMemory(tier.MemoryConfig{})
	require.NoError(t, fast.Put(ctx, artifact("art-1", "exec-1", model.StateReady)))

	durable := &stubDurable{
		get: func(context.Context, string) (model.Artifact, error) {
			t.Error("durable tier should not be consulted for READY copies")
			return model.Artifact{}, nil
		},
	}
	ds := New(fast, durable, fastOptions())
	defer ds.Close()

	got, err := ds.Read(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "art-1", got.ArtifactID)
}

func TestTransition_UpdatesBothTiers(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	fast := tier.NewMemory(tier.MemoryConfig{})
	ds := New(fast, db, fastOptions())
	defer ds.Close()

	startExecution(t, db, "exec-1")
	require.NoError(t, ds.Write(ctx, commitOf("exec-1", artifact("sess-1", "exec-1", model.StateActive))))

	ev := &model.OutboxEntry{
		EventID:      "ev-term",
		ArtifactID:   "sess-1",
		EventType:    model.EventArtifactTerminated,
		PartitionKey: "tenant_a/2026-01-27",
		Payload:      json.RawMessage(`{}`),
	}
	got, err := ds.Transition(ctx, "sess-1", model.StateActive, model.StateTerminated, ev)
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, got.LifecycleState)

	cached, err := fast.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, cached.LifecycleState)

	_, err = ds.Transition(ctx, "sess-1", model.StateActive, model.StateTerminated, nil)
	assert.True(t, model.IsValidation(err), "second terminate should be rejected, got %v", err)
}
