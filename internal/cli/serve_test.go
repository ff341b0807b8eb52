package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/wal"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeCommand(t *testing.T) {
	db := tempDB(t)
	addr := freeAddr(t)
	base := "http://" + addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", db, "serve", "--addr", addr})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := `{"intent_type":"ingest_file","tenant_id":"acme","parameters":{"uri":"gs://bucket/x.csv"}}`
	resp, err := http.Post(base+"/api/intent/submit", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var submitted struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, base+"/api/execution/"+submitted.ExecutionID+"/status", nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-Tenant-ID", "acme")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			Status model.ExecutionStatus `json:"status"`
		}
		return json.NewDecoder(resp.Body).Decode(&status) == nil && status.Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop after cancellation")
	}
	assert.Contains(t, out.String(), "Engine started. Listening on "+addr)
}

func TestServeListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = runCLI(t, "--db", tempDB(t), "serve", "--addr", ln.Addr().String())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestTrimLoopDropsExpiredPartitions(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.Options{DSN: tempDB(t)})
	require.NoError(t, err)
	defer s.Close()

	log := wal.NewLog(s, wal.Options{})
	_, err = log.Append(ctx, "acme/2020-01-01", model.Event{EventID: "ev-old", EventType: model.EventArtifactReady, Payload: []byte(`{}`)})
	require.NoError(t, err)
	today := model.PartitionKey("acme", time.Now())
	_, err = log.Append(ctx, today, model.Event{EventID: "ev-new", EventType: model.EventArtifactReady, Payload: []byte(`{}`)})
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- trimLoop(loopCtx, log, 48*time.Hour) }()

	require.Eventually(t, func() bool {
		parts, err := log.Partitions(ctx, "acme")
		return err == nil && len(parts) == 1 && parts[0] == today
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
