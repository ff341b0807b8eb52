package model

import (
	"encoding/json"
	"time"
)

// Intent is a typed request to perform one unit of platform work.
type Intent struct {
	IntentType  string         `json:"intent_type"`
	Parameters  map[string]any `json:"parameters"`
	TenantID    string         `json:"tenant_id"`
	SessionID   string         `json:"session_id"`
	ExecutionID string         `json:"execution_id,omitempty"` // Assigned at submission
}

// ExecutionStatus is a position in the execution state machine.
type ExecutionStatus string

const (
	StatusSubmitted ExecutionStatus = "SUBMITTED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// Execution is the record of one intent execution.
// Owned exclusively by the execution lifecycle manager.
type Execution struct {
	ExecutionID    string          `json:"execution_id"`
	IntentType     string          `json:"intent_type"`
	TenantID       string          `json:"tenant_id"`
	SessionID      string          `json:"session_id"`
	Status         ExecutionStatus `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Artifacts      []ArtifactRef   `json:"artifacts"`
	Error          *ErrorInfo      `json:"error,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the execution reached COMPLETED or FAILED.
func (e Execution) Terminal() bool {
	return e.Status.Terminal()
}

// ErrorInfo is the persisted, user-visible form of an execution failure.
type ErrorInfo struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Transition is one append-only step in an execution's history.
type Transition struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int             `json:"seq"`
	From        ExecutionStatus `json:"from"`
	To          ExecutionStatus `json:"to"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// ArtifactRef is the handle callers hold instead of an artifact.
type ArtifactRef struct {
	ArtifactID   string `json:"artifact_id"`
	ArtifactType string `json:"artifact_type"`
}

// LifecycleState is an artifact's position in its state machine.
type LifecycleState string

const (
	// StatePending marks an artifact staged in the fast tier but not yet
	// durably committed. Never persisted to the durable tier.
	StatePending LifecycleState = "PENDING"
	// StateReady is the terminal state of the normal path.
	StateReady LifecycleState = "READY"
	// StateActive is the live state of session/credential-like artifacts.
	StateActive LifecycleState = "ACTIVE"
	// StateTerminated is the terminal state of session-like artifacts.
	StateTerminated LifecycleState = "TERMINATED"
)

// Provenance records which execution produced an artifact. Immutable.
type Provenance struct {
	IntentType  string `json:"intent_type" msgpack:"intent_type"`
	ExecutionID string `json:"execution_id" msgpack:"execution_id"`
}

// Materialization is a physical location of an artifact payload.
// The engine never inlines payloads; it records where they live.
type Materialization struct {
	StorageType string `json:"storage_type" msgpack:"storage_type"`
	URI         string `json:"uri" msgpack:"uri"`
	Format      string `json:"format" msgpack:"format"`
}

// Scope is the workspace an artifact belongs to.
type Scope struct {
	TenantID  string `json:"tenant_id" msgpack:"tenant_id"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

// Artifact is the durable, lineage-tracked output of an execution.
type Artifact struct {
	ArtifactID         string            `json:"artifact_id" msgpack:"artifact_id"`
	ArtifactType       string            `json:"artifact_type" msgpack:"artifact_type"`
	LifecycleState     LifecycleState    `json:"lifecycle_state" msgpack:"lifecycle_state"`
	ProducedBy         Provenance        `json:"produced_by" msgpack:"produced_by"`
	ParentArtifacts    []string          `json:"parent_artifacts" msgpack:"parent_artifacts"`
	SemanticDescriptor json.RawMessage   `json:"semantic_descriptor,omitempty" msgpack:"semantic_descriptor,omitempty"` // Opaque, stored verbatim
	Materializations   []Materialization `json:"materializations" msgpack:"materializations"`
	Scope              Scope             `json:"scope" msgpack:"scope"`
	CreatedAt          time.Time         `json:"created_at" msgpack:"created_at"`
}

// Ref returns the caller-facing handle for the artifact.
func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{ArtifactID: a.ArtifactID, ArtifactType: a.ArtifactType}
}

// VisibleTo reports whether the artifact is inside the caller's workspace.
// An empty session on the caller side grants tenant-wide visibility.
func (a Artifact) VisibleTo(tenantID, sessionID string) bool {
	if tenantID == "" || a.Scope.TenantID != tenantID {
		return false
	}
	return sessionID == "" || a.Scope.SessionID == sessionID
}

// OutboxStatus is the publication state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEntry stages one event for publication to the WAL.
// Created in the same durable transaction as its artifact.
type OutboxEntry struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	ArtifactID    string          `json:"artifact_id"`
	EventType     string          `json:"event_type"`
	PartitionKey  string          `json:"partition_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Event is the unit appended to the WAL.
// EventID is stable across redelivery so consumers can dedupe.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Event returns the WAL event carried by the outbox entry.
func (o OutboxEntry) Event() Event {
	return Event{EventID: o.EventID, EventType: o.EventType, Payload: o.Payload}
}

// WALEntry is an appended event at a fixed partition offset.
type WALEntry struct {
	PartitionKey  string          `json:"partition_key"`
	Offset        int64           `json:"offset"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	DeliveryCount int             `json:"delivery_count,omitempty"`
}

// ConsumerGroupCursor is a group's acknowledged position in a partition.
type ConsumerGroupCursor struct {
	GroupID         string `json:"group_id"`
	PartitionKey    string `json:"partition_key"`
	LastAckedOffset int64  `json:"last_acked_offset"`
}

// Event types published by the engine.
const (
	EventArtifactReady      = "artifact.ready"
	EventArtifactActive     = "artifact.active"
	EventArtifactTerminated = "artifact.terminated"
)
