package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/intentd/internal/lineage"
	"github.com/roach88/intentd/internal/model"
)

const artifactColumns = `artifact_id, artifact_type, lifecycle_state, intent_type, execution_id,
	tenant_id, session_id, semantic_descriptor, materializations, created_at`

// Commit is everything an execution makes durable on success.
type Commit struct {
	ExecutionID string
	Artifacts   []model.Artifact    // In committed state (READY or ACTIVE)
	Outbox      []model.OutboxEntry // One row per event to publish
}

// Refs returns the artifact handles of the commit.
func (c Commit) Refs() []model.ArtifactRef {
	refs := make([]model.ArtifactRef, len(c.Artifacts))
	for i, a := range c.Artifacts {
		refs[i] = a.Ref()
	}
	return refs
}

// CommitExecution atomically writes the commit's artifacts, their lineage
// edges and outbox rows, and moves the execution RUNNING -> COMPLETED.
//
// Re-committing an execution that is already COMPLETED is a no-op, so a
// commit whose acknowledgement was lost can be retried safely.
func (s *Store) CommitExecution(ctx context.Context, c Commit) error {
	err := s.InTx(ctx, func(tx *Tx) error {
		exec, err := tx.getExecution(ctx, c.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status == model.StatusCompleted {
			return nil
		}

		for _, a := range c.Artifacts {
			if err := tx.insertArtifact(ctx, a); err != nil {
				return err
			}
			for i, parent := range a.ParentArtifacts {
				if err := lineage.RecordEdge(ctx, tx, a.ArtifactID, parent, i); err != nil {
					return err
				}
			}
		}

		for _, e := range c.Outbox {
			if _, err := tx.InsertOutbox(ctx, e); err != nil {
				return err
			}
		}

		return tx.TransitionExecution(ctx, c.ExecutionID, model.StatusRunning, model.StatusCompleted, c.Refs(), nil)
	})
	if err != nil {
		return fmt.Errorf("commit execution %s: %w", c.ExecutionID, err)
	}
	return nil
}

func (tx *Tx) insertArtifact(ctx context.Context, a model.Artifact) error {
	if a.LifecycleState != model.StateReady && a.LifecycleState != model.StateActive {
		return model.NewValidationError("artifact %s cannot be committed in state %s", a.ArtifactID, a.LifecycleState)
	}
	mats := a.Materializations
	if mats == nil {
		mats = []model.Materialization{}
	}
	matsJSON, err := marshalJSON(mats)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = tx.now
	}

	_, err = tx.exec(ctx, `
		INSERT INTO artifacts
		(artifact_id, artifact_type, lifecycle_state, intent_type, execution_id,
		 tenant_id, session_id, semantic_descriptor, materializations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ArtifactID,
		a.ArtifactType,
		string(a.LifecycleState),
		a.ProducedBy.IntentType,
		a.ProducedBy.ExecutionID,
		a.Scope.TenantID,
		a.Scope.SessionID,
		string(a.SemanticDescriptor),
		matsJSON,
		toMillis(created),
		toMillis(tx.now),
	)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.ArtifactID, err)
	}
	return nil
}

// GetArtifact returns a committed artifact or a NOT_FOUND error.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (model.Artifact, error) {
	return s.conn.getArtifact(ctx, artifactID)
}

func (c conn) getArtifact(ctx context.Context, artifactID string) (model.Artifact, error) {
	row := c.queryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = ?`, artifactID)

	var a model.Artifact
	var state, descriptor, mats string
	var created int64
	err := row.Scan(
		&a.ArtifactID,
		&a.ArtifactType,
		&state,
		&a.ProducedBy.IntentType,
		&a.ProducedBy.ExecutionID,
		&a.Scope.TenantID,
		&a.Scope.SessionID,
		&descriptor,
		&mats,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Artifact{}, model.NewNotFoundError("artifact", artifactID)
	}
	if err != nil {
		return model.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}

	a.LifecycleState = model.LifecycleState(state)
	a.SemanticDescriptor = rawOrNil(descriptor)
	a.CreatedAt = fromMillis(created)
	if a.Materializations, err = unmarshalMaterializations(mats); err != nil {
		return model.Artifact{}, err
	}
	if a.ParentArtifacts, err = c.ParentIDs(ctx, artifactID); err != nil {
		return model.Artifact{}, err
	}
	return a, nil
}

// TransitionArtifact moves an artifact along its lifecycle and stages
// event, if any, in the same transaction. The update is compare-and-set on
// from.
func (s *Store) TransitionArtifact(ctx context.Context, artifactID string, from, to model.LifecycleState, event *model.OutboxEntry) (model.Artifact, error) {
	if err := model.CheckLifecycleTransition(from, to); err != nil {
		return model.Artifact{}, err
	}

	var updated model.Artifact
	err := s.InTx(ctx, func(tx *Tx) error {
		res, err := tx.exec(ctx, `
			UPDATE artifacts SET lifecycle_state = ?, updated_at = ?
			WHERE artifact_id = ? AND lifecycle_state = ?
		`, string(to), toMillis(tx.now), artifactID, string(from))
		if err != nil {
			return fmt.Errorf("update lifecycle: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update lifecycle: rows affected: %w", err)
		}
		if n == 0 {
			cur, err := tx.getArtifact(ctx, artifactID)
			if err != nil {
				return err
			}
			return model.NewValidationError("artifact %s is %s, expected %s", artifactID, cur.LifecycleState, from)
		}
		if event != nil {
			if _, err := tx.InsertOutbox(ctx, *event); err != nil {
				return err
			}
		}
		updated, err = tx.getArtifact(ctx, artifactID)
		return err
	})
	if err != nil {
		return model.Artifact{}, fmt.Errorf("transition artifact: %w", err)
	}
	return updated, nil
}

// ArtifactExists reports whether a committed artifact exists.
func (c conn) ArtifactExists(ctx context.Context, artifactID string) (bool, error) {
	var one int
	err := c.queryRow(ctx, `SELECT 1 FROM artifacts WHERE artifact_id = ?`, artifactID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifact exists: %w", err)
	}
	return true, nil
}

// ParentIDs returns an artifact's direct parents in recorded order.
func (c conn) ParentIDs(ctx context.Context, artifactID string) ([]string, error) {
	rows, err := c.query(ctx, `
		SELECT parent_id FROM lineage_edges
		WHERE child_id = ?
		ORDER BY position ASC, parent_id ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query parents: %w", err)
	}
	return scanIDs(rows)
}

// InsertEdge writes a lineage edge without validation. Use
// lineage.RecordEdge to validate first.
func (c conn) InsertEdge(ctx context.Context, childID, parentID string, position int) error {
	_, err := c.exec(ctx, `
		INSERT INTO lineage_edges (child_id, parent_id, position)
		VALUES (?, ?, ?)
		ON CONFLICT(child_id, parent_id) DO NOTHING
	`, childID, parentID, position)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// UpdateGraph runs fn against a transactional lineage view.
func (s *Store) UpdateGraph(ctx context.Context, fn func(lineage.Graph) error) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return fn(tx)
	})
}

// AncestorIDs returns every transitive parent of artifactID, nearest
// first.
func (s *Store) AncestorIDs(ctx context.Context, artifactID string) ([]string, error) {
	rows, err := s.query(ctx, `
		WITH RECURSIVE anc(id, depth) AS (
			SELECT parent_id, 1 FROM lineage_edges WHERE child_id = ?
			UNION
			SELECT e.parent_id, a.depth + 1 FROM lineage_edges e JOIN anc a ON e.child_id = a.id
		)
		SELECT id FROM anc GROUP BY id ORDER BY MIN(depth) ASC, id ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query ancestors: %w", err)
	}
	return scanIDs(rows)
}

// DescendantIDs returns every transitive child of artifactID, nearest
// first.
func (s *Store) DescendantIDs(ctx context.Context, artifactID string) ([]string, error) {
	rows, err := s.query(ctx, `
		WITH RECURSIVE des(id, depth) AS (
			SELECT child_id, 1 FROM lineage_edges WHERE parent_id = ?
			UNION
			SELECT e.child_id, d.depth + 1 FROM lineage_edges e JOIN des d ON e.parent_id = d.id
		)
		SELECT id FROM des GROUP BY id ORDER BY MIN(depth) ASC, id ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query descendants: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
