package tier

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/intentd/internal/model"
)

// DefaultCapacity bounds the number of copies held by a Memory tier.
const DefaultCapacity = 10000

// MemoryConfig configures the in-process fast tier.
type MemoryConfig struct {
	// Capacity caps the number of cached copies; the least recently used
	// copy is evicted first (default 10000).
	Capacity int
	// TTL expires cached copies (default 24h). Zero keeps the default;
	// negative disables expiry.
	TTL time.Duration
}

// Memory is an in-process fast tier. Evicted or expired copies read as
// NOT_FOUND, which the dual-tier store answers from the durable tier.
//
// Thread-safety: All methods are safe for concurrent use.
type Memory struct {
	artifacts *expirable.LRU[string, model.Artifact]
}

// NewMemory creates an empty in-memory tier.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return &Memory{artifacts: expirable.NewLRU[string, model.Artifact](cfg.Capacity, nil, cfg.TTL)}
}

// Name implements Tier.
func (m *Memory) Name() string { return "memory" }

// Put implements Tier.
func (m *Memory) Put(ctx context.Context, a model.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.artifacts.Add(a.ArtifactID, cloneArtifact(a))
	return nil
}

// Get implements Tier.
func (m *Memory) Get(ctx context.Context, artifactID string) (model.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return model.Artifact{}, err
	}
	a, ok := m.artifacts.Get(artifactID)
	if !ok {
		return model.Artifact{}, model.NewNotFoundError("artifact", artifactID)
	}
	return cloneArtifact(a), nil
}

// Delete implements Tier.
func (m *Memory) Delete(ctx context.Context, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.artifacts.Remove(artifactID)
	return nil
}

// Len returns the number of live cached copies.
func (m *Memory) Len() int {
	return len(m.artifacts.Keys())
}

// cloneArtifact copies the slices so callers cannot mutate cached state.
func cloneArtifact(a model.Artifact) model.Artifact {
	a.ParentArtifacts = slices.Clone(a.ParentArtifacts)
	a.Materializations = slices.Clone(a.Materializations)
	a.SemanticDescriptor = slices.Clone(a.SemanticDescriptor)
	return a
}

var _ Tier = (*Memory)(nil)
