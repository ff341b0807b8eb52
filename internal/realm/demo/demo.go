// Package demo is a small realm of intent handlers that makes the engine
// runnable end to end: files are ingested as datasets, insights are derived
// from datasets, and analysis sessions are opened and later terminated.
//
// The handlers only describe artifacts. Payloads stay where their URIs
// point; nothing is read or copied.
package demo

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/roach88/intentd/internal/contract"
	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
)

// Intent types served by the realm.
const (
	IntentIngestFile    = "ingest_file"
	IntentDeriveInsight = "derive_insight"
	IntentOpenSession   = "open_session"
)

// Artifact types produced by the realm.
const (
	ArtifactDataset = "dataset"
	ArtifactInsight = "insight"
	ArtifactSession = "session"
)

//go:embed contracts.cue
var contractSource []byte

// Contracts compiles the realm's built-in intent contracts.
func Contracts() (*contract.Set, error) {
	return contract.Compile(contractSource, "demo/contracts.cue")
}

// Register adds the realm's handlers to reg. Idempotency and timeouts come
// from contracts when it declares the intent type.
func Register(reg *engine.Registry, contracts *contract.Set) error {
	handlers := []struct {
		intentType string
		handler    engine.Handler
	}{
		{IntentIngestFile, engine.HandlerFunc(IngestFile)},
		{IntentDeriveInsight, engine.HandlerFunc(DeriveInsight)},
		{IntentOpenSession, engine.HandlerFunc(OpenSession)},
	}
	for _, h := range handlers {
		if err := reg.Register(h.intentType, h.handler, options(contracts, h.intentType)...); err != nil {
			return fmt.Errorf("register %s: %w", h.intentType, err)
		}
	}
	return nil
}

func options(contracts *contract.Set, intentType string) []engine.HandlerOption {
	if contracts == nil {
		return nil
	}
	c, ok := contracts.Lookup(intentType)
	if !ok {
		return nil
	}
	var opts []engine.HandlerOption
	if !c.Idempotent {
		opts = append(opts, engine.NonIdempotent())
	}
	if c.Timeout > 0 {
		opts = append(opts, engine.WithTimeout(c.Timeout))
	}
	return opts
}

// IngestFile records the file at params.uri as a READY dataset.
func IngestFile(ctx context.Context, in model.Intent) ([]model.Artifact, error) {
	uri, err := stringParam(in, "uri")
	if err != nil {
		return nil, err
	}
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("uri %q has no scheme", uri)
	}
	storage, ok := storageTypes[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}

	format, _ := in.Parameters["format"].(string)
	if format == "" {
		format = formatOf(uri)
	}

	descriptor, err := json.Marshal(map[string]string{"source": uri, "format": format})
	if err != nil {
		return nil, err
	}
	return []model.Artifact{{
		ArtifactType:       ArtifactDataset,
		LifecycleState:     model.StateReady,
		SemanticDescriptor: descriptor,
		Materializations:   []model.Materialization{{StorageType: storage, URI: uri, Format: format}},
	}}, nil
}

// DeriveInsight records an insight answering params.question about the
// dataset params.dataset. The engine rejects the commit if the dataset is
// unknown or belongs to another tenant.
func DeriveInsight(ctx context.Context, in model.Intent) ([]model.Artifact, error) {
	dataset, err := stringParam(in, "dataset")
	if err != nil {
		return nil, err
	}
	question, err := stringParam(in, "question")
	if err != nil {
		return nil, err
	}

	descriptor, err := json.Marshal(map[string]string{"question": question, "dataset": dataset})
	if err != nil {
		return nil, err
	}
	return []model.Artifact{{
		ArtifactType:       ArtifactInsight,
		LifecycleState:     model.StateReady,
		ParentArtifacts:    []string{dataset},
		SemanticDescriptor: descriptor,
	}}, nil
}

// OpenSession records an ACTIVE session artifact for params.user.
func OpenSession(ctx context.Context, in model.Intent) ([]model.Artifact, error) {
	user, err := stringParam(in, "user")
	if err != nil {
		return nil, err
	}
	fields := map[string]string{"user": user}
	if label, _ := in.Parameters["label"].(string); label != "" {
		fields["label"] = label
	}
	descriptor, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return []model.Artifact{{
		ArtifactType:       ArtifactSession,
		LifecycleState:     model.StateActive,
		SemanticDescriptor: descriptor,
	}}, nil
}

var storageTypes = map[string]string{
	"gs":    "gcs",
	"s3":    "s3",
	"file":  "local",
	"https": "http",
}

func formatOf(uri string) string {
	switch ext := strings.TrimPrefix(path.Ext(uri), "."); ext {
	case "csv", "json", "parquet":
		return ext
	default:
		return "binary"
	}
}

func stringParam(in model.Intent, name string) (string, error) {
	v, ok := in.Parameters[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: parameter %q must be a non-empty string", in.IntentType, name)
	}
	return v, nil
}
