// Package dispatch admits batches of delegated tasks against a bounded
// number of concurrent slots. It owns the Pending half of the record
// lifecycle: creation, slot assignment in submission order, and kill.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpataki/foreman/internal/ident"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/proc"
	"github.com/mpataki/foreman/internal/runner"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/workspace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxParallelLimit caps how many records may be Running at once.
const MaxParallelLimit = 10

var (
	ErrNoTasks       = errors.New("no tasks to dispatch")
	ErrParallelBound = fmt.Errorf("max parallel must be between 1 and %d", MaxParallelLimit)

	// ErrUserCancelled is recorded as the reason on records killed by an
	// explicit kill or a cancelled dispatch context.
	ErrUserCancelled = errors.New("user_cancelled")
)

// TaskRunner runs one admitted record to a terminal state. The production
// implementation is runner.Runner; tests substitute fakes.
type TaskRunner interface {
	Run(ctx context.Context, rec *models.ExecutionRecord, ws *workspace.Workspace, opts runner.Opts) error
}

// Provisioner allocates and releases per-task workspaces.
type Provisioner interface {
	Provision(recordID string, opts workspace.Options) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace, keep bool) error
}

// Options is the validated configuration for one dispatch call, resolved up
// front instead of branching through call sites.
type Options struct {
	MaxParallel int
	GroupID     string
	SourceRepo  string
	Worktree    bool
	Branch      bool
	Run         runner.Opts
}

type Engine struct {
	store     *storage.Store
	prov      Provisioner
	runner    TaskRunner
	killGrace time.Duration
	log       *slog.Logger
}

func New(store *storage.Store, prov Provisioner, r TaskRunner, killGrace time.Duration, log *slog.Logger) *Engine {
	return &Engine{store: store, prov: prov, runner: r, killGrace: killGrace, log: log}
}

// Handle tracks one dispatched task. Done closes once the record is terminal
// and the slot has been released.
type Handle struct {
	ID    string
	store *storage.Store
	done  chan struct{}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Record() (*models.ExecutionRecord, error) {
	return h.store.GetRecord(h.ID)
}

// Await blocks until the task reaches a terminal state or ctx expires.
func (h *Handle) Await(ctx context.Context) (*models.ExecutionRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.store.GetRecord(h.ID)
	}
}

// AwaitAll waits for every handle, preserving handle order in the result.
func AwaitAll(ctx context.Context, handles []*Handle) ([]*models.ExecutionRecord, error) {
	recs := make([]*models.ExecutionRecord, len(handles))
	g, ctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			rec, err := h.Await(ctx)
			if err != nil {
				return err
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Dispatch creates one Pending record per task and returns immediately after
// validation; a scheduler goroutine admits at most opts.MaxParallel records
// into Running, earliest-submitted first. Completion order is unconstrained.
func (e *Engine) Dispatch(ctx context.Context, tasks []string, opts Options) ([]*Handle, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if opts.MaxParallel < 1 || opts.MaxParallel > MaxParallelLimit {
		return nil, fmt.Errorf("%w: got %d", ErrParallelBound, opts.MaxParallel)
	}

	handles := make([]*Handle, 0, len(tasks))
	for _, task := range tasks {
		rec := &models.ExecutionRecord{
			ID:      ident.New(),
			Task:    task,
			GroupID: opts.GroupID,
		}
		if err := e.store.CreateRecord(rec); err != nil {
			return nil, fmt.Errorf("failed to create record: %w", err)
		}
		handles = append(handles, &Handle{ID: rec.ID, store: e.store, done: make(chan struct{})})
	}

	go e.schedule(ctx, handles, opts)

	return handles, nil
}

// schedule acquires slots in submission order so the earliest Pending record
// always claims a freed slot first.
func (e *Engine) schedule(ctx context.Context, handles []*Handle, opts Options) {
	sem := semaphore.NewWeighted(int64(opts.MaxParallel))
	var wg sync.WaitGroup
	for _, h := range handles {
		if err := sem.Acquire(ctx, 1); err != nil {
			e.cancelQueued(h)
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			defer sem.Release(1)
			defer close(h.done)
			e.runOne(ctx, h, opts)
		}(h)
	}
	wg.Wait()
}

func (e *Engine) runOne(ctx context.Context, h *Handle, opts Options) {
	var rec *models.ExecutionRecord
	var err error
	// A transiently busy ledger must not strand the task in Pending.
	for attempt := 0; attempt < 3; attempt++ {
		if rec, err = e.store.GetRecord(h.ID); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		e.log.Error("record unreadable at admission", "record", h.ID, "error", err)
		return
	}
	// Killed (or otherwise finished) while queued: skip spawning entirely.
	if rec.Status != models.StatusPending {
		return
	}

	// Workspaces are provisioned only at the Pending->Running transition, so
	// a task killed while queued never owns filesystem state.
	wsOpts := workspace.Options{SourceRepo: opts.SourceRepo, Worktree: opts.Worktree}
	if opts.Branch {
		wsOpts.BranchName = "foreman/" + rec.ID
	}
	ws, err := e.prov.Provision(rec.ID, wsOpts)
	if err != nil {
		// Confined to this record; siblings keep going.
		e.failRecord(rec, fmt.Sprintf("workspace: %v", err))
		return
	}

	rec.WorkspacePath = ws.Path
	rec.Branch = ws.Branch

	if err := e.runner.Run(ctx, rec, ws, opts.Run); err != nil {
		e.log.Warn("task run failed", "record", rec.ID, "error", err)
		if errors.Is(err, runner.ErrSpawn) {
			// Nothing ever ran here; reclaim the workspace like a task
			// that never started.
			e.releaseFailedWorkspace(rec.ID, ws)
		}
	}
}

func (e *Engine) releaseFailedWorkspace(recordID string, ws *workspace.Workspace) {
	if err := e.prov.Release(ws, false); err != nil {
		e.log.Warn("workspace release failed", "record", recordID, "error", err)
		return
	}
	cur, err := e.store.GetRecord(recordID)
	if err != nil {
		return
	}
	cur.WorkspacePath = ""
	cur.Branch = ""
	cur.CleanupState = models.CleanupDone
	if err := e.store.UpsertRecord(cur); err != nil {
		e.log.Warn("cleanup state update failed", "record", recordID, "error", err)
	}
}

// cancelQueued marks a never-admitted record Killed.
func (e *Engine) cancelQueued(h *Handle) {
	defer close(h.done)
	rec, err := e.store.GetRecord(h.ID)
	if err != nil || rec.Status != models.StatusPending {
		return
	}
	now := time.Now()
	rec.Status = models.StatusKilled
	rec.Reason = ErrUserCancelled.Error()
	rec.EndedAt = &now
	if err := ignoreSuperseded(e.store.UpsertRecord(rec)); err != nil {
		e.log.Error("failed to cancel queued record", "record", rec.ID, "error", err)
	}
}

func (e *Engine) failRecord(rec *models.ExecutionRecord, reason string) {
	now := time.Now()
	rec.Status = models.StatusFailed
	rec.Reason = reason
	rec.EndedAt = &now
	if err := e.store.UpsertRecord(rec); err != nil {
		e.log.Error("failed to record failure", "record", rec.ID, "error", err)
	}
}

// Kill is idempotent: no-op on a terminal record, a direct Pending->Killed
// transition for a task that never started, signal-based termination for a
// Running one.
func (e *Engine) Kill(id string) error {
	rec, err := e.store.GetRecord(id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	now := time.Now()
	switch rec.Status {
	case models.StatusPending:
		rec.Status = models.StatusKilled
		rec.Reason = ErrUserCancelled.Error()
		rec.EndedAt = &now
		return ignoreSuperseded(e.store.UpsertRecord(rec))
	case models.StatusRunning:
		if rec.PID != nil {
			proc.TerminateGroup(*rec.PID, e.killGrace)
		}
		code := runner.ExitKilled
		rec.Status = models.StatusKilled
		rec.Reason = ErrUserCancelled.Error()
		rec.ExitCode = &code
		rec.EndedAt = &now
		return ignoreSuperseded(e.store.UpsertRecord(rec))
	}
	return nil
}

// ignoreSuperseded keeps Kill idempotent when the runner's own terminal write
// lands between the status read and the upsert.
func ignoreSuperseded(err error) error {
	if errors.Is(err, storage.ErrStaleWrite) || errors.Is(err, storage.ErrTerminal) {
		return nil
	}
	return err
}

// KillAll kills every non-terminal record, reporting the ids it touched.
func (e *Engine) KillAll() ([]string, error) {
	var killed []string
	for _, status := range []models.Status{models.StatusRunning, models.StatusPending} {
		recs, err := e.store.ListRecords(storage.ListFilter{Status: status})
		if err != nil {
			return killed, err
		}
		for _, rec := range recs {
			if err := e.Kill(rec.ID); err != nil {
				return killed, err
			}
			killed = append(killed, rec.ID)
		}
	}
	return killed, nil
}
