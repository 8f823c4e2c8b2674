package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/foreman/internal/docstore"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/workspace"
	"github.com/stretchr/testify/require"
)

func TestMapExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want models.Status
	}{
		{0, models.StatusCompleted},
		{124, models.StatusTimedOut},
		{137, models.StatusKilled},
		{1, models.StatusFailed},
		{2, models.StatusFailed},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, MapExitCode(tc.code), "exit code %d", tc.code)
	}
}

func testEnv(t *testing.T, agentBin string) (*Runner, *storage.Store, *workspace.Provisioner) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	docs := docstore.NewFileStore(filepath.Join(dir, "docs"))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := Config{
		AgentBin:          agentBin,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxRuntime:        time.Minute,
		KillGrace:         time.Second,
	}
	return New(store, docs, cfg, log), store, workspace.NewProvisioner(filepath.Join(dir, "ws"))
}

// writeScript installs a fake agent binary for the test.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func startRecord(t *testing.T, store *storage.Store, p *workspace.Provisioner, id string) (*models.ExecutionRecord, *workspace.Workspace) {
	t.Helper()
	rec := &models.ExecutionRecord{ID: id, Task: "test task"}
	require.NoError(t, store.CreateRecord(rec))
	ws, err := p.Provision(id, workspace.Options{})
	require.NoError(t, err)
	rec.WorkspacePath = ws.Path
	return rec, ws
}

func TestRunMapsCleanExitToCompleted(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `echo "all done"; exit 0`))
	rec, ws := startRecord(t, store, p, "r-ok")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-ok")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.PID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	require.NotEmpty(t, got.ResultDocID, "output should be persisted to the doc store")
}

func TestRunMapsTimeoutExitCode(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `exit 124`))
	rec, ws := startRecord(t, store, p, "r-timeout")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-timeout")
	require.NoError(t, err)
	require.Equal(t, models.StatusTimedOut, got.Status)
	require.Equal(t, 124, *got.ExitCode)
}

func TestRunMapsNonZeroExitToFailed(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `exit 3`))
	rec, ws := startRecord(t, store, p, "r-fail")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-fail")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 3, *got.ExitCode)
	require.Contains(t, got.Reason, "exited with code 3")
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, "/nonexistent/agent-binary")
	rec, ws := startRecord(t, store, p, "r-spawn")

	err := r.Run(context.Background(), rec, ws, Opts{})
	require.ErrorIs(t, err, ErrSpawn)

	got, getErr := store.GetRecord("r-spawn")
	require.NoError(t, getErr)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, got.Reason, "spawn")
	require.Nil(t, got.PID)
}

func TestRunWatchdogEnforcesMaxRuntime(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `sleep 30`))
	r.cfg.MaxRuntime = 200 * time.Millisecond
	r.cfg.KillGrace = 100 * time.Millisecond
	rec, ws := startRecord(t, store, p, "r-watchdog")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-watchdog")
	require.NoError(t, err)
	require.Equal(t, models.StatusTimedOut, got.Status)
	require.Equal(t, ExitTimedOut, *got.ExitCode)
	require.Equal(t, "runtime_exceeded", got.Reason)
}

func TestRunCancellationKills(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `sleep 30`))
	r.cfg.KillGrace = 100 * time.Millisecond
	rec, ws := startRecord(t, store, p, "r-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, r.Run(ctx, rec, ws, Opts{}))

	got, err := store.GetRecord("r-cancel")
	require.NoError(t, err)
	require.Equal(t, models.StatusKilled, got.Status)
	require.Equal(t, "user_cancelled", got.Reason)
}

func TestRunOutlivingHeartbeatIntervalCompletes(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `sleep 1; exit 0`))
	rec, ws := startRecord(t, store, p, "r-long")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-long")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status,
		"a run spanning many heartbeat ticks must still land its terminal state")
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.LastHeartbeat)
}

func TestRunWritesHeartbeats(t *testing.T) {
	t.Parallel()
	r, store, p := testEnv(t, writeScript(t, `sleep 1`))
	rec, ws := startRecord(t, store, p, "r-beats")

	require.NoError(t, r.Run(context.Background(), rec, ws, Opts{}))

	got, err := store.GetRecord("r-beats")
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	require.True(t, got.LastHeartbeat.After(*got.StartedAt),
		"ticker heartbeats should land after the start timestamp")
}
