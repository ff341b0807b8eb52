package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes a command against db with JSON output and decodes the
// response data into T.
func runJSON[T any](t *testing.T, db string, args ...string) (T, error) {
	t.Helper()
	var zero T
	full := append([]string{"--db", db, "--format", "json"}, args...)
	out, err := runCLI(t, full...)
	if err != nil {
		return zero, err
	}
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data, nil
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "intentd.db")
}

func TestMigrateCommand(t *testing.T) {
	db := tempDB(t)

	first, err := runJSON[MigrateResult](t, db, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", first.Dialect)
	assert.Zero(t, first.From)
	assert.Positive(t, first.To)

	again, err := runJSON[MigrateResult](t, db, "migrate")
	require.NoError(t, err)
	assert.Equal(t, first.To, again.From)
	assert.Equal(t, first.To, again.To)

	out, err := runCLI(t, "--db", db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema up to date")
}

func TestSubmitStatusTraceFlow(t *testing.T) {
	db := tempDB(t)

	ingest, err := runJSON[ExecutionView](t, db, "submit", "ingest_file",
		"--tenant", "acme", "--session", "s1", "--params", `{"uri":"gs://bucket/sales.csv"}`)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, ingest.Status)
	require.Len(t, ingest.Artifacts, 1)
	datasetID := ingest.Artifacts[0].ArtifactID

	dup, err := runJSON[ExecutionView](t, db, "submit", "ingest_file",
		"--tenant", "acme", "--session", "s1", "--params", `{"uri":"gs://bucket/sales.csv"}`)
	require.NoError(t, err)
	assert.Equal(t, ingest.ExecutionID, dup.ExecutionID, "identical resubmission resolves to the original")

	insight, err := runJSON[ExecutionView](t, db, "submit", "derive_insight",
		"--tenant", "acme", "--session", "s1", "--params", `{"dataset":"`+datasetID+`","question":"growth?"}`)
	require.NoError(t, err)
	require.Len(t, insight.Artifacts, 1)
	insightID := insight.Artifacts[0].ArtifactID

	status, err := runJSON[ExecutionView](t, db, "status", ingest.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status.Status)
	assert.Equal(t, "ingest_file", status.IntentType)

	list, err := runJSON[[]ExecutionView](t, db, "status", "--tenant", "acme")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, insight.ExecutionID, list[0].ExecutionID, "newest first")

	trace, err := runJSON[TraceResult](t, db, "trace", insight.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, trace.Timeline)
	assert.Equal(t, model.StatusCompleted, trace.Timeline[len(trace.Timeline)-1].To)
	require.Len(t, trace.Artifacts, 1)
	assert.Equal(t, []string{datasetID}, trace.Artifacts[0].Parents)
	assert.True(t, trace.Stats.IsTerminal)

	artifact, err := runJSON[model.Artifact](t, db, "artifact", insightID, "--tenant", "acme", "--session", "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, artifact.LifecycleState)
	assert.Equal(t, insight.ExecutionID, artifact.ProducedBy.ExecutionID)

	ancestors, err := runJSON[LineageResult](t, db, "lineage", insightID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{datasetID}, ancestors.Artifacts)

	descendants, err := runJSON[LineageResult](t, db, "lineage", datasetID, "--tenant", "acme", "--direction", "descendants")
	require.NoError(t, err)
	assert.Equal(t, []string{insightID}, descendants.Artifacts)

	text, err := runCLI(t, "--db", db, "trace", insight.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, text, "Trace for execution "+insight.ExecutionID)
	assert.Contains(t, text, "RUNNING -> COMPLETED")
}

func TestSubmitRejections(t *testing.T) {
	db := tempDB(t)

	out, err := runCLI(t, "--db", db, "--format", "json", "submit", "no_such_intent", "--tenant", "acme")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "VALIDATION_ERROR"`)

	_, err = runCLI(t, "--db", db, "submit", "ingest_file", "--tenant", "acme", "--params", `{"uri":`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "--db", db, "submit", "ingest_file", "--params", `{}`)
	require.Error(t, err, "--tenant is required")
}

func TestArtifactScopeIsolation(t *testing.T) {
	db := tempDB(t)

	exec, err := runJSON[ExecutionView](t, db, "submit", "ingest_file", "--tenant", "acme", "--params", `{"uri":"s3://b/k.json"}`)
	require.NoError(t, err)
	id := exec.Artifacts[0].ArtifactID

	out, err := runCLI(t, "--db", db, "--format", "json", "artifact", id, "--tenant", "globex")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "NOT_FOUND"`)
}

func TestTerminateAndEvents(t *testing.T) {
	db := tempDB(t)

	session, err := runJSON[ExecutionView](t, db, "submit", "open_session", "--tenant", "acme", "--params", `{"user":"ana"}`)
	require.NoError(t, err)
	sessionID := session.Artifacts[0].ArtifactID

	terminated, err := runJSON[model.Artifact](t, db, "terminate", sessionID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, terminated.LifecycleState)

	out, err := runCLI(t, "--db", db, "--format", "json", "terminate", sessionID, "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, out, `"code": "VALIDATION_ERROR"`)

	summary, err := runJSON[OutboxSummaryResult](t, db, "outbox", "summary")
	require.NoError(t, err)
	assert.Equal(t, OutboxSummaryResult{Published: 2}, summary)

	parts, err := runJSON[PartitionsResult](t, db, "wal", "partitions", "acme")
	require.NoError(t, err)
	require.Len(t, parts.Partitions, 1)
	date := strings.TrimPrefix(parts.Partitions[0], "acme/")

	read, err := runJSON[ReadResult](t, db, "wal", "read", "acme", date, "--group", "audit", "--ack")
	require.NoError(t, err)
	require.Len(t, read.Entries, 2)
	assert.Equal(t, model.EventArtifactActive, read.Entries[0].EventType)
	assert.Equal(t, model.EventArtifactTerminated, read.Entries[1].EventType)
	assert.Equal(t, int64(2), read.Acked)

	lags, err := runJSON[[]PartitionLag](t, db, "wal", "lag", "acme", "--group", "audit")
	require.NoError(t, err)
	require.Len(t, lags, 1)
	assert.Zero(t, lags[0].Lag)

	other, err := runJSON[[]PartitionLag](t, db, "wal", "lag", "acme", "--group", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), other[0].Lag)

	ack, err := runJSON[AckResult](t, db, "wal", "ack", "acme", date, "1", "--group", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Cursor.LastAckedOffset)

	trimmed, err := runJSON[TrimResult](t, db, "wal", "trim", "--before", "2999-01-01")
	require.NoError(t, err)
	assert.Equal(t, []string{parts.Partitions[0]}, trimmed.Trimmed)

	parts, err = runJSON[PartitionsResult](t, db, "wal", "partitions", "acme")
	require.NoError(t, err)
	assert.Empty(t, parts.Partitions)
}

func TestWALArgumentValidation(t *testing.T) {
	db := tempDB(t)

	_, err := runCLI(t, "--db", db, "wal", "read", "acme", "27-01-2026")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = runCLI(t, "--db", db, "wal", "ack", "acme", "2026-01-27", "zero")
	require.Error(t, err)

	_, err = runCLI(t, "--db", db, "wal", "trim")
	require.Error(t, err, "trim needs a cutoff when wal.retention is unset")
}

func TestOutboxListAndRequeue(t *testing.T) {
	db := tempDB(t)

	_, err := runJSON[ExecutionView](t, db, "submit", "ingest_file", "--tenant", "acme", "--params", `{"uri":"file:///tmp/a.csv"}`)
	require.NoError(t, err)

	entries, err := runJSON[[]model.OutboxEntry](t, db, "outbox", "list", "--status", "PUBLISHED")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EventArtifactReady, entries[0].EventType)

	requeued, err := runJSON[RequeueResult](t, db, "outbox", "requeue")
	require.NoError(t, err)
	assert.Zero(t, requeued.Requeued, "only FAILED entries are requeued")

	_, err = runCLI(t, "--db", db, "outbox", "list", "--status", "LOST")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "--db", db, "outbox", "requeue", "-3")
	require.Error(t, err)
}

func TestStatusErrors(t *testing.T) {
	db := tempDB(t)

	out, err := runCLI(t, "--db", db, "status", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")

	_, err = runCLI(t, "--db", db, "status", "--status", "DONE")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = runCLI(t, "--db", db, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No executions found.")
}
