package tier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
)

func sampleArtifact() model.Artifact {
	return model.Artifact{
		ArtifactID:         "a1",
		ArtifactType:       "dataset",
		LifecycleState:     model.StatePending,
		ProducedBy:         model.Provenance{IntentType: "ingest_file", ExecutionID: "e1"},
		ParentArtifacts:    []string{"p1", "p2"},
		SemanticDescriptor: json.RawMessage(`{"rows":3}`),
		Materializations:   []model.Materialization{{StorageType: "gcs", URI: "gs://b/f.csv", Format: "csv"}},
		Scope:              model.Scope{TenantID: "t1", SessionID: "s1"},
		CreatedAt:          time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC),
	}
}

// exerciseTier runs the Tier contract against an implementation.
func exerciseTier(t *testing.T, tr Tier) {
	t.Helper()
	ctx := context.Background()

	_, err := tr.Get(ctx, "a1")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))

	a := sampleArtifact()
	require.NoError(t, tr.Put(ctx, a))

	got, err := tr.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, a.ArtifactID, got.ArtifactID)
	assert.Equal(t, a.LifecycleState, got.LifecycleState)
	assert.Equal(t, a.ParentArtifacts, got.ParentArtifacts)
	assert.Equal(t, a.Materializations, got.Materializations)
	assert.Equal(t, a.Scope, got.Scope)
	assert.JSONEq(t, `{"rows":3}`, string(got.SemanticDescriptor))
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	a.LifecycleState = model.StateReady
	require.NoError(t, tr.Put(ctx, a))
	got, err = tr.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, got.LifecycleState)

	require.NoError(t, tr.Delete(ctx, "a1"))
	require.NoError(t, tr.Delete(ctx, "a1"))
	_, err = tr.Get(ctx, "a1")
	assert.True(t, model.IsNotFound(err))
}

func TestMemoryTier(t *testing.T) {
	exerciseTier(t, NewMemory(MemoryConfig{}))
}

func TestMemoryTier_CopiesOnWrite(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	ctx := context.Background()
	a := sampleArtifact()
	require.NoError(t, m.Put(ctx, a))

	a.ParentArtifacts[0] = "mutated"
	got, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ParentArtifacts[0])
	assert.Equal(t, 1, m.Len())
}

func TestMemoryTier_EvictsBeyondCapacity(t *testing.T) {
	m := NewMemory(MemoryConfig{Capacity: 2})
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		a := sampleArtifact()
		a.ArtifactID = id
		require.NoError(t, m.Put(ctx, a))
	}

	assert.Equal(t, 2, m.Len())
	_, err := m.Get(ctx, "a1")
	assert.True(t, model.IsNotFound(err), "oldest copy should be evicted")
	_, err = m.Get(ctx, "a3")
	assert.NoError(t, err)
}

func TestMemoryTier_ExpiresCopies(t *testing.T) {
	m := NewMemory(MemoryConfig{TTL: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, sampleArtifact()))

	require.Eventually(t, func() bool {
		_, err := m.Get(ctx, "a1")
		return model.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Len())
}

func TestMemoryTier_HonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(MemoryConfig{}).Get(ctx, "a1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Ping(t.Context()))
	exerciseTier(t, r)
}

func TestRedisTier_KeyAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "test:", TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Put(t.Context(), sampleArtifact()))
	assert.True(t, mr.Exists("test:a1"))
	assert.Equal(t, time.Minute, mr.TTL("test:a1"))

	mr.FastForward(2 * time.Minute)
	_, err = r.Get(t.Context(), "a1")
	assert.True(t, model.IsNotFound(err))
}

func TestRedisTier_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	mr.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = r.Get(ctx, "a1")
	require.Error(t, err)
	assert.False(t, model.IsNotFound(err), "an unreachable tier is not a miss")
}

func TestNewRedis_RequiresURL(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)

	_, err = NewRedis(RedisConfig{URL: "not a url"})
	require.Error(t, err)
}
