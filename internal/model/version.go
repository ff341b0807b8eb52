package model

// Version constants for the engine and its persisted schema.
const (
	// SchemaVersion is the artifact record schema version.
	SchemaVersion = "1"

	// EngineVersion is the intentd engine version.
	EngineVersion = "0.3.0"
)
