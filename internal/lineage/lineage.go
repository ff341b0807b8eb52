package lineage

import (
	"context"
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// Graph is the edge storage RecordEdge validates against.
type Graph interface {
	ArtifactExists(ctx context.Context, artifactID string) (bool, error)
	ParentIDs(ctx context.Context, artifactID string) ([]string, error)
	InsertEdge(ctx context.Context, childID, parentID string, position int) error
}

// Store is the durable backing of a Tracker.
type Store interface {
	Graph

	// UpdateGraph runs fn against a transactional view of the graph.
	UpdateGraph(ctx context.Context, fn func(Graph) error) error

	// AncestorIDs returns all transitive parents, nearest first.
	AncestorIDs(ctx context.Context, artifactID string) ([]string, error)

	// DescendantIDs returns all transitive children, nearest first.
	DescendantIDs(ctx context.Context, artifactID string) ([]string, error)
}

// RecordEdge validates and writes the edge child -> parent at position in
// the child's parent list.
//
// Rejections are VALIDATION_ERRORs: they indicate a producer bug, not a
// recoverable runtime condition.
func RecordEdge(ctx context.Context, g Graph, childID, parentID string, position int) error {
	if childID == "" || parentID == "" {
		return model.NewValidationError("lineage edge requires child and parent ids")
	}
	if childID == parentID {
		return model.NewValidationError("artifact %q cannot derive from itself", childID)
	}

	for _, id := range []string{parentID, childID} {
		ok, err := g.ArtifactExists(ctx, id)
		if err != nil {
			return fmt.Errorf("record edge: %w", err)
		}
		if !ok {
			return model.NewValidationError("lineage references unknown artifact %q", id)
		}
	}

	cycle, err := reaches(ctx, g, parentID, childID)
	if err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	if cycle {
		return model.NewValidationError("edge %s -> %s would create a cycle", childID, parentID)
	}

	if err := g.InsertEdge(ctx, childID, parentID, position); err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	return nil
}

// reaches reports whether target is an ancestor of (or equal to) start,
// walking parent links breadth-first.
func reaches(ctx context.Context, g Graph, start, target string) (bool, error) {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true, nil
		}
		parents, err := g.ParentIDs(ctx, id)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// Tracker answers ancestry queries and records standalone edges.
type Tracker struct {
	store Store
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// RecordEdge appends parent to child's parent list in its own transaction.
func (t *Tracker) RecordEdge(ctx context.Context, childID, parentID string) error {
	return t.store.UpdateGraph(ctx, func(g Graph) error {
		parents, err := g.ParentIDs(ctx, childID)
		if err != nil {
			return fmt.Errorf("record edge: %w", err)
		}
		for _, p := range parents {
			if p == parentID {
				return nil // already recorded
			}
		}
		return RecordEdge(ctx, g, childID, parentID, len(parents))
	})
}

// Ancestors returns every artifact id artifactID transitively derives
// from. The result never contains artifactID itself.
func (t *Tracker) Ancestors(ctx context.Context, artifactID string) ([]string, error) {
	if err := t.requireExists(ctx, artifactID); err != nil {
		return nil, err
	}
	ids, err := t.store.AncestorIDs(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", artifactID, err)
	}
	return ids, nil
}

// Descendants returns every artifact id transitively derived from
// artifactID.
func (t *Tracker) Descendants(ctx context.Context, artifactID string) ([]string, error) {
	if err := t.requireExists(ctx, artifactID); err != nil {
		return nil, err
	}
	ids, err := t.store.DescendantIDs(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", artifactID, err)
	}
	return ids, nil
}

func (t *Tracker) requireExists(ctx context.Context, artifactID string) error {
	ok, err := t.store.ArtifactExists(ctx, artifactID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", artifactID, err)
	}
	if !ok {
		return model.NewNotFoundError("artifact", artifactID)
	}
	return nil
}
