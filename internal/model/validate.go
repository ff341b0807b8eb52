package model

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Validate performs structural validation of a submitted intent.
// The engine never interprets parameter semantics.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.IntentType) == "" {
		return NewValidationError("intent_type is required")
	}
	if strings.TrimSpace(i.TenantID) == "" {
		return NewValidationError("tenant_id is required")
	}
	if strings.Contains(i.TenantID, "/") {
		return NewValidationError("tenant_id must not contain '/'")
	}
	for field, v := range map[string]string{"intent_type": i.IntentType, "tenant_id": i.TenantID, "session_id": i.SessionID} {
		if !utf8.ValidString(v) {
			return NewValidationError("%s is not valid UTF-8", field)
		}
	}
	if _, err := MarshalCanonical(i.Parameters); err != nil {
		return &Error{Code: CodeValidation, Message: "parameters are not canonical JSON: " + err.Error(), Err: err}
	}
	return nil
}

// Clone returns a deep copy of the intent with normalized parameters.
func (i Intent) Clone() (Intent, error) {
	params, err := NormalizeParameters(i.Parameters)
	if err != nil {
		return Intent{}, &Error{Code: CodeValidation, Message: "parameters: " + err.Error(), Err: err}
	}
	i.Parameters = params
	return i, nil
}

// ValidateOutput checks a handler-produced artifact before it is staged.
func (a Artifact) ValidateOutput() error {
	if strings.TrimSpace(a.ArtifactType) == "" {
		return NewValidationError("artifact_type is required")
	}
	switch a.LifecycleState {
	case "", StatePending, StateReady, StateActive:
	default:
		return NewValidationError("handler may not produce artifacts in state %s", a.LifecycleState)
	}
	if len(a.SemanticDescriptor) > 0 && !json.Valid(a.SemanticDescriptor) {
		return NewValidationError("semantic_descriptor is not valid JSON")
	}
	seen := make(map[string]bool, len(a.ParentArtifacts))
	for _, p := range a.ParentArtifacts {
		if p == "" {
			return NewValidationError("empty parent artifact id")
		}
		if seen[p] {
			return NewValidationError("duplicate parent artifact %q", p)
		}
		seen[p] = true
	}
	for _, m := range a.Materializations {
		if m.StorageType == "" || m.URI == "" {
			return NewValidationError("materialization requires storage_type and uri")
		}
	}
	return nil
}
