package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/stretchr/testify/require"
)

func testClassifier(t *testing.T) (*Classifier, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		PidGrace:         60 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		MaxRuntime:       30 * time.Minute,
		KillGrace:        100 * time.Millisecond,
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(store, cfg, log), store
}

func runningRecord(id string, age time.Duration) *models.ExecutionRecord {
	now := time.Now()
	created := now.Add(-age)
	started := created
	beat := now
	pid := os.Getpid()
	return &models.ExecutionRecord{
		ID:            id,
		Task:          "t",
		Status:        models.StatusRunning,
		PID:           &pid,
		CreatedAt:     created,
		StartedAt:     &started,
		LastHeartbeat: &beat,
	}
}

func TestClassifyHealthy(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", time.Minute)
	require.Equal(t, Healthy, c.Classify(rec, time.Now()))
}

func TestClassifyIgnoresNonRunning(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", time.Hour)
	rec.Status = models.StatusCompleted
	rec.PID = nil
	require.Equal(t, Healthy, c.Classify(rec, time.Now()))
}

func TestClassifyNoPidAfterGrace(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", 2*time.Minute)
	rec.PID = nil
	require.Equal(t, NoPid, c.Classify(rec, time.Now()))

	// Within grace the record is still considered healthy.
	young := runningRecord("r2", 10*time.Second)
	young.PID = nil
	require.Equal(t, Healthy, c.Classify(young, time.Now()))
}

func TestClassifyDeadProcess(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)
	c.alive = func(int) bool { return false }

	rec := runningRecord("r1", time.Minute)
	require.Equal(t, DeadProcess, c.Classify(rec, time.Now()))
}

func TestClassifyStaleHeartbeat(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", 5*time.Minute)
	stale := time.Now().Add(-91 * time.Second)
	rec.LastHeartbeat = &stale
	require.Equal(t, NoHeartbeat, c.Classify(rec, time.Now()))
}

func TestClassifyLongRunning(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", time.Hour)
	require.Equal(t, LongRunning, c.Classify(rec, time.Now()))
}

func TestClassifyRuleOrder(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)
	c.alive = func(int) bool { return false }

	// Dead process with a stale heartbeat and excess runtime: dead wins.
	rec := runningRecord("r1", 2*time.Hour)
	stale := time.Now().Add(-time.Hour)
	rec.LastHeartbeat = &stale
	require.Equal(t, DeadProcess, c.Classify(rec, time.Now()))
}

func TestClassifyIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := testClassifier(t)

	rec := runningRecord("r1", 5*time.Minute)
	stale := time.Now().Add(-2 * time.Minute)
	rec.LastHeartbeat = &stale

	now := time.Now()
	first := c.Classify(rec, now)
	second := c.Classify(rec, now)
	require.Equal(t, first, second)
	require.Equal(t, NoHeartbeat, first)
}

func TestSweepLeavesHealthyUntouched(t *testing.T) {
	t.Parallel()
	c, store := testClassifier(t)

	rec := runningRecord("r-healthy", time.Minute)
	require.NoError(t, store.CreateRecord(rec))

	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)

	got, err := store.GetRecord("r-healthy")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)
}

func TestSweepFailsStaleHeartbeat(t *testing.T) {
	t.Parallel()
	c, store := testClassifier(t)

	// Alive during classification, gone by the time sweep would terminate:
	// the record lands on Failed with the triggering category as reason.
	calls := 0
	c.alive = func(int) bool {
		calls++
		return calls == 1
	}
	c.terminate = func(int, time.Duration) {
		t.Fatal("nothing should be signalled for a process that is gone")
	}

	rec := runningRecord("r-stale", 5*time.Minute)
	stale := time.Now().Add(-91 * time.Second)
	rec.LastHeartbeat = &stale
	require.NoError(t, store.CreateRecord(rec))

	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, NoHeartbeat, results[0].Category)

	got, err := store.GetRecord("r-stale")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, string(NoHeartbeat), got.Reason)
	require.NotNil(t, got.EndedAt)
}

func TestSweepKillsLiveUnresponsiveProcess(t *testing.T) {
	t.Parallel()
	c, store := testClassifier(t)

	c.alive = func(int) bool { return true }
	terminated := false
	c.terminate = func(int, time.Duration) { terminated = true }

	rec := runningRecord("r-runaway", 2*time.Hour)
	require.NoError(t, store.CreateRecord(rec))

	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, LongRunning, results[0].Category)
	require.True(t, terminated)

	got, err := store.GetRecord("r-runaway")
	require.NoError(t, err)
	require.Equal(t, models.StatusKilled, got.Status)
	require.Equal(t, string(LongRunning), got.Reason)
}

func TestSweepNeverTouchesTerminal(t *testing.T) {
	t.Parallel()
	c, store := testClassifier(t)

	rec := runningRecord("r-done", time.Hour)
	rec.Status = models.StatusCompleted
	require.NoError(t, store.CreateRecord(rec))

	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)

	got, err := store.GetRecord("r-done")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
}
