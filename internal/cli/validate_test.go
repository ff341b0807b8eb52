package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validContracts = `package custom

intent: archive: {
	description: "Move a dataset to cold storage"
	timeout:     "45s"
	parameters: {
		dataset: string & !=""
		tier:    "hot" | "cold"
	}
}

intent: ping: {
	idempotent:  false
	allow_extra: true
}
`

func writeContracts(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contracts.cue"), []byte(src), 0o644))
	return dir
}

func runValidateCmd(t *testing.T, format string, verbose bool, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format, Verbose: verbose})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestValidateValidContracts(t *testing.T) {
	dir := writeContracts(t, validContracts)

	out, _, err := runValidateCmd(t, "text", false, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2 contract(s) valid")
	assert.Contains(t, out, "archive (idempotent, timeout 45s) fields: [dataset tier]")
	assert.Contains(t, out, "ping (non-idempotent) fields: []")
}

func TestValidateValidContractsJSON(t *testing.T) {
	dir := writeContracts(t, validContracts)

	out, _, err := runValidateCmd(t, "json", false, dir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Contracts, 2)
	assert.Equal(t, ContractSummary{
		IntentType: "archive",
		Idempotent: true,
		Timeout:    "45s",
		Fields:     []string{"dataset", "tier"},
	}, resp.Data.Contracts[0])
	assert.True(t, resp.Data.Contracts[1].AllowExtra)
}

func TestValidateInvalidContract(t *testing.T) {
	dir := writeContracts(t, `package custom

intent: archive: {
	timeout: "soon"
}
`)

	out, _, err := runValidateCmd(t, "json", false, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	e := resp.Data.Errors[0]
	assert.Equal(t, ErrCodeBuildFailed, e.Code)
	assert.Equal(t, "intent.archive.timeout", e.Path)
	assert.Contains(t, e.Message, `invalid duration "soon"`)
	assert.Equal(t, 4, e.Line)
}

func TestValidateSyntaxErrorText(t *testing.T) {
	dir := writeContracts(t, "package custom\n\nintent: archive: {\n")

	out, _, err := runValidateCmd(t, "text", false, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ [E006]")
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, _, err := runValidateCmd(t, "text", false, "/nonexistent/contracts")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestValidateEmptyDirectory(t *testing.T) {
	out, _, err := runValidateCmd(t, "text", false, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ [E006]")
}

func TestValidateVerboseOutput(t *testing.T) {
	dir := writeContracts(t, validContracts)

	out, errOut, err := runValidateCmd(t, "json", true, dir)
	require.NoError(t, err)
	assert.Contains(t, errOut, "Compiled 2 contract(s)")
	assert.NotContains(t, out, "Compiled", "verbose logs stay off stdout in JSON mode")
}

func TestValidateDemoContractsDir(t *testing.T) {
	out, _, err := runValidateCmd(t, "text", false, filepath.Join("..", "realm", "demo"))
	require.NoError(t, err)
	assert.Contains(t, out, "ingest_file")
	assert.Contains(t, out, "open_session (non-idempotent)")
}
