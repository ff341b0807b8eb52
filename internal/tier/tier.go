// Package tier provides fast-tier artifact storage for the dual-tier store.
//
// A fast tier is volatile and low-latency: it may lose data, lag the
// durable tier or stop answering. The dual-tier store bounds every call
// and treats the durable tier as authoritative.
package tier

import (
	"context"

	"github.com/roach88/intentd/internal/model"
)

// Tier is a fast artifact cache.
type Tier interface {
	// Name identifies the tier in logs.
	Name() string

	// Put stores a copy of the artifact, replacing any previous copy.
	Put(ctx context.Context, a model.Artifact) error

	// Get returns the stored copy or a NOT_FOUND error.
	Get(ctx context.Context, artifactID string) (model.Artifact, error)

	// Delete removes the copy. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, artifactID string) error
}
