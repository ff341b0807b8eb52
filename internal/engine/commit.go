package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

// artifactEvent is the payload of artifact lifecycle events.
type artifactEvent struct {
	ArtifactID      string               `json:"artifact_id"`
	ArtifactType    string               `json:"artifact_type"`
	LifecycleState  model.LifecycleState `json:"lifecycle_state"`
	ExecutionID     string               `json:"execution_id"`
	IntentType      string               `json:"intent_type"`
	TenantID        string               `json:"tenant_id"`
	SessionID       string               `json:"session_id,omitempty"`
	ParentArtifacts []string             `json:"parent_artifacts"`
}

// prepare turns handler output into a commit: ids, provenance, scope and
// committed lifecycle state are assigned by the engine, never trusted from
// the handler, and one outbox row is staged per artifact.
func (m *Manager) prepare(ctx context.Context, j job, outputs []model.Artifact) (store.Commit, error) {
	execID := j.exec.ExecutionID
	if err := checkArtifactQuota(execID, len(outputs), j.reg.MaxArtifacts); err != nil {
		return store.Commit{}, err
	}

	now := m.now().UTC()
	commit := store.Commit{ExecutionID: execID}
	inCommit := make(map[string]bool, len(outputs))

	for i, out := range outputs {
		if err := out.ValidateOutput(); err != nil {
			return store.Commit{}, &model.Error{
				Code:        model.CodeValidation,
				Message:     fmt.Sprintf("artifact %d: %v", i, err),
				ExecutionID: execID,
				Err:         err,
			}
		}

		a := out
		if a.ArtifactID == "" {
			a.ArtifactID = m.ids.NewID()
		}
		if inCommit[a.ArtifactID] {
			return store.Commit{}, model.NewValidationError("artifact id %q produced twice", a.ArtifactID)
		}
		a.LifecycleState = model.CommittedState(out.LifecycleState)
		a.ProducedBy = model.Provenance{IntentType: j.intent.IntentType, ExecutionID: execID}
		a.Scope = model.Scope{TenantID: j.intent.TenantID, SessionID: j.intent.SessionID}
		a.CreatedAt = now
		a.ParentArtifacts = append([]string{}, out.ParentArtifacts...)
		a.Materializations = append([]model.Materialization{}, out.Materializations...)
		if len(out.SemanticDescriptor) > 0 {
			a.SemanticDescriptor = append(json.RawMessage(nil), out.SemanticDescriptor...)
		}

		for _, parent := range a.ParentArtifacts {
			if inCommit[parent] {
				continue
			}
			if err := m.checkParent(ctx, parent, j.intent.TenantID); err != nil {
				return store.Commit{}, err
			}
		}

		eventType := model.EventArtifactReady
		if a.LifecycleState == model.StateActive {
			eventType = model.EventArtifactActive
		}
		ev, err := m.event(a, eventType, execID)
		if err != nil {
			return store.Commit{}, err
		}

		inCommit[a.ArtifactID] = true
		commit.Artifacts = append(commit.Artifacts, a)
		commit.Outbox = append(commit.Outbox, ev)
	}
	return commit, nil
}

// checkParent requires a parent to be committed and in the same tenant.
// Lineage never crosses tenants.
func (m *Manager) checkParent(ctx context.Context, parentID, tenantID string) error {
	parent, err := m.artifacts.Read(ctx, parentID)
	if model.IsNotFound(err) {
		return model.NewValidationError("parent artifact %q does not exist", parentID)
	}
	if err != nil {
		return err
	}
	if parent.Scope.TenantID != tenantID {
		return model.NewValidationError("parent artifact %q does not exist", parentID)
	}
	return nil
}

// event builds the outbox row announcing a's current state. The payload
// is canonical JSON so replays produce identical bytes.
func (m *Manager) event(a model.Artifact, eventType, executionID string) (model.OutboxEntry, error) {
	parents := a.ParentArtifacts
	if parents == nil {
		parents = []string{}
	}
	payload, err := model.MarshalCanonical(artifactEvent{
		ArtifactID:      a.ArtifactID,
		ArtifactType:    a.ArtifactType,
		LifecycleState:  a.LifecycleState,
		ExecutionID:     executionID,
		IntentType:      a.ProducedBy.IntentType,
		TenantID:        a.Scope.TenantID,
		SessionID:       a.Scope.SessionID,
		ParentArtifacts: parents,
	})
	if err != nil {
		return model.OutboxEntry{}, err
	}
	return model.OutboxEntry{
		EventID:      m.ids.NewID(),
		ArtifactID:   a.ArtifactID,
		EventType:    eventType,
		PartitionKey: model.PartitionKey(a.Scope.TenantID, m.now()),
		Payload:      payload,
	}, nil
}
