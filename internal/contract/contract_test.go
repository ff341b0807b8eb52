package contract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
)

const ingestContracts = `
intent: ingest_file: {
	description: "Register a file as a dataset"
	timeout:     "30s"
	parameters: {
		uri:     string & =~"^[a-z0-9]+://"
		format?: "csv" | "parquet" | "json"
		rows?:   int & >=0
	}
}

intent: open_session: {
	idempotent:  false
	allow_extra: true
	parameters: user: string
}

intent: ping: {}
`

func compileTest(t *testing.T) *Set {
	t.Helper()
	set, err := Compile([]byte(ingestContracts), "intents.cue")
	require.NoError(t, err)
	return set
}

func intent(intentType string, params map[string]any) model.Intent {
	return model.Intent{IntentType: intentType, Parameters: params, TenantID: "tenant_a", SessionID: "s1"}
}

func TestCompileContracts(t *testing.T) {
	set := compileTest(t)

	assert.Equal(t, []string{"ingest_file", "open_session", "ping"}, set.Types())
	assert.Equal(t, 3, set.Len())

	ingest, ok := set.Lookup("ingest_file")
	require.True(t, ok)
	assert.Equal(t, "Register a file as a dataset", ingest.Description)
	assert.True(t, ingest.Idempotent, "idempotent defaults to true")
	assert.Equal(t, 30*time.Second, ingest.Timeout)
	assert.False(t, ingest.AllowExtra)
	assert.Equal(t, []string{"format", "rows", "uri"}, ingest.Fields())

	session, ok := set.Lookup("open_session")
	require.True(t, ok)
	assert.False(t, session.Idempotent)
	assert.True(t, session.AllowExtra)
	assert.Zero(t, session.Timeout)

	_, ok = set.Lookup("missing")
	assert.False(t, ok)
}

func TestValidateIntent(t *testing.T) {
	set := compileTest(t)

	tests := []struct {
		name    string
		intent  model.Intent
		wantErr string
	}{
		{
			name:   "valid required only",
			intent: intent("ingest_file", map[string]any{"uri": "s3://bucket/a.csv"}),
		},
		{
			name:   "valid optional fields",
			intent: intent("ingest_file", map[string]any{"uri": "file:///tmp/a", "format": "csv", "rows": json.Number("12")}),
		},
		{
			name:    "missing required field",
			intent:  intent("ingest_file", map[string]any{"format": "csv"}),
			wantErr: "uri",
		},
		{
			name:    "pattern mismatch",
			intent:  intent("ingest_file", map[string]any{"uri": "not a uri"}),
			wantErr: "uri",
		},
		{
			name:    "disjunction mismatch",
			intent:  intent("ingest_file", map[string]any{"uri": "s3://b/k", "format": "xml"}),
			wantErr: "format",
		},
		{
			name:    "wrong kind",
			intent:  intent("ingest_file", map[string]any{"uri": "s3://b/k", "rows": "many"}),
			wantErr: "rows",
		},
		{
			name:    "bound violated",
			intent:  intent("ingest_file", map[string]any{"uri": "s3://b/k", "rows": -1}),
			wantErr: "rows",
		},
		{
			name:    "unknown parameter",
			intent:  intent("ingest_file", map[string]any{"uri": "s3://b/k", "colour": "red"}),
			wantErr: "unknown parameters colour",
		},
		{
			name:   "extra allowed",
			intent: intent("open_session", map[string]any{"user": "ana", "ttl": 60}),
		},
		{
			name:   "empty contract accepts nil",
			intent: intent("ping", nil),
		},
		{
			name:    "empty contract rejects extras",
			intent:  intent("ping", map[string]any{"x": 1}),
			wantErr: "unknown parameters x",
		},
		{
			name:   "no contract",
			intent: intent("unregistered", map[string]any{"anything": true}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := set.ValidateIntent(tt.intent)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "want VALIDATION_ERROR, got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileRejectsBadContracts(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"syntax", `intent: x: {`, ""},
		{"bad timeout", `intent: x: timeout: "soon"`, "intent.x.timeout"},
		{"negative timeout", `intent: x: timeout: "-1s"`, "intent.x.timeout"},
		{"idempotent not bool", `intent: x: idempotent: "yes"`, "intent.x.idempotent"},
		{"parameters not struct", `intent: x: parameters: [1, 2]`, "intent.x.parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.cue"), []byte(`
package intents

intent: ingest_file: parameters: uri: string
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.cue"), []byte(`
package intents

intent: open_session: idempotent: false
`), 0o644))

	set, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest_file", "open_session"}, set.Types())
	assert.Equal(t, dir, set.Source())

	require.Error(t, set.ValidateIntent(intent("ingest_file", nil)))
	require.NoError(t, set.ValidateIntent(intent("ingest_file", map[string]any{"uri": "x"})))
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "a.cue")
	require.NoError(t, os.WriteFile(file, []byte("package a\n"), 0o644))
	_, err = LoadDir(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestEmptySetAcceptsEverything(t *testing.T) {
	set := Empty()
	assert.Zero(t, set.Len())
	assert.NoError(t, set.ValidateIntent(intent("anything", map[string]any{"a": 1})))
}

func TestValidateConcurrent(t *testing.T) {
	set := compileTest(t)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]any{"uri": "s3://b/k"}
			if i%2 == 1 {
				params["format"] = "xml"
			}
			err := set.ValidateIntent(intent("ingest_file", params))
			if (err != nil) != (i%2 == 1) {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected validation outcome: %v", err)
	}
}
