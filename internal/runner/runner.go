// Package runner spawns and supervises the external agent subprocess for one
// execution record: output capture, heartbeat writes, a max-runtime watchdog,
// and the exit-code to terminal-status mapping.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/docstore"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/proc"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/vcs"
	"github.com/mpataki/foreman/internal/workspace"
)

// ErrSpawn marks failures to start the agent at all (missing binary, missing
// credentials). Spawn failures are never retried automatically; re-dispatch
// produces a fresh record.
var ErrSpawn = errors.New("agent spawn failed")

// Exit codes the agent maps to specific terminal states.
const (
	ExitTimedOut = 124
	ExitKilled   = 137
)

type watchdogVerdict int

const (
	verdictNone watchdogVerdict = iota
	verdictCancelled
	verdictTimedOut
)

type Config struct {
	AgentBin          string
	HeartbeatInterval time.Duration
	MaxRuntime        time.Duration
	KillGrace         time.Duration
}

// Opts carries the per-dispatch options that shape one agent invocation.
type Opts struct {
	Model      string
	ContextDoc string
	Push       bool
	OpenPR     bool
	Draft      bool
	BaseBranch string
}

type Runner struct {
	store *storage.Store
	docs  docstore.Store
	cfg   Config
	log   *slog.Logger
}

func New(store *storage.Store, docs docstore.Store, cfg Config, log *slog.Logger) *Runner {
	return &Runner{store: store, docs: docs, cfg: cfg, log: log}
}

// MapExitCode translates an agent exit code into the terminal status.
func MapExitCode(code int) models.Status {
	switch code {
	case 0:
		return models.StatusCompleted
	case ExitTimedOut:
		return models.StatusTimedOut
	case ExitKilled:
		return models.StatusKilled
	default:
		return models.StatusFailed
	}
}

// Run executes the agent for rec inside ws and blocks until the subprocess
// reaches a terminal state. The record is updated in place and in the store.
func (r *Runner) Run(ctx context.Context, rec *models.ExecutionRecord, ws *workspace.Workspace, opts Opts) error {
	logFile, err := os.Create(ws.LogPath())
	if err != nil {
		r.fail(rec, fmt.Sprintf("log capture: %v", err))
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	defer logFile.Close()

	cmd := exec.Command(r.cfg.AgentBin, r.buildArgs(rec, opts)...)
	cmd.Dir = ws.RepoPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so termination reaches the agent's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.fail(rec, fmt.Sprintf("spawn: %v", err))
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	now := time.Now()
	rec.Status = models.StatusRunning
	rec.StartedAt = &now
	rec.LastHeartbeat = &now
	pid := cmd.Process.Pid
	rec.PID = &pid
	if err := r.store.UpsertRecord(rec); err != nil {
		r.log.Error("failed to record running state", "record", rec.ID, "error", err)
	}

	r.log.Info("agent started", "record", rec.ID, "pid", pid, "workspace", ws.Path)

	stopBeats := make(chan struct{})
	go r.writeHeartbeats(rec.ID, stopBeats)

	// Watchdog: active enforcement of max runtime, in addition to the
	// passive sweep-based classification. It reports its verdict over the
	// channel so the read below joins the goroutine instead of racing it.
	done := make(chan struct{})
	verdict := make(chan watchdogVerdict, 1)
	go func() {
		select {
		case <-done:
			verdict <- verdictNone
		case <-ctx.Done():
			proc.TerminateGroup(pid, r.cfg.KillGrace)
			verdict <- verdictCancelled
		case <-time.After(r.cfg.MaxRuntime):
			r.log.Warn("agent exceeded max runtime", "record", rec.ID, "pid", pid)
			proc.TerminateGroup(pid, r.cfg.KillGrace)
			verdict <- verdictTimedOut
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	close(stopBeats)
	timedOut := false
	cancelled := false
	switch <-verdict {
	case verdictTimedOut:
		timedOut = true
	case verdictCancelled:
		cancelled = true
	}

	exitCode := cmd.ProcessState.ExitCode()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			// A signal death reports -1 from ExitCode; recover the
			// conventional 128+signal value so SIGKILL maps to 137.
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitCode = 128 + int(ws.Signal())
			}
		}
	}

	status := MapExitCode(exitCode)
	reason := ""
	switch {
	case timedOut:
		status = models.StatusTimedOut
		exitCode = ExitTimedOut
		reason = "runtime_exceeded"
	case cancelled:
		status = models.StatusKilled
		exitCode = ExitKilled
		reason = "user_cancelled"
	case status == models.StatusFailed:
		reason = fmt.Sprintf("agent exited with code %d", exitCode)
	}

	r.persistResult(rec, ws)

	// The heartbeat goroutine wrote straight to the store; merge its last
	// stamp and the stored write stamp so the closing upsert neither clobbers
	// the heartbeat nor gets dropped as stale.
	if cur, err := r.store.GetRecord(rec.ID); err == nil {
		if cur.LastHeartbeat != nil {
			rec.LastHeartbeat = cur.LastHeartbeat
		}
		rec.UpdatedAt = cur.UpdatedAt
	}

	ended := time.Now()
	rec.Status = status
	rec.ExitCode = &exitCode
	rec.EndedAt = &ended
	rec.Reason = reason
	if err := r.store.UpsertRecord(rec); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			// Another writer finalized the record first; its verdict stands.
			r.log.Warn("terminal write superseded", "record", rec.ID, "status", status)
		} else {
			return err
		}
	}

	r.log.Info("agent finished", "record", rec.ID, "status", status, "exit_code", exitCode)

	if status == models.StatusCompleted && ws.Branch != "" && (opts.Push || opts.OpenPR) {
		r.runBranchHooks(rec, ws, opts)
	}

	return nil
}

func (r *Runner) buildArgs(rec *models.ExecutionRecord, opts Opts) []string {
	prompt := rec.Task
	if opts.ContextDoc != "" {
		prompt = "Context:\n\n" + opts.ContextDoc + "\n\n---\n\nTask: " + rec.Task
	}

	args := []string{
		"-p", prompt,
		"--output-format", "text",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

func (r *Runner) writeHeartbeats(recordID string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			if err := r.store.RecordHeartbeat(recordID, t); err != nil {
				r.log.Warn("heartbeat write failed", "record", recordID, "error", err)
			}
		}
	}
}

// persistResult hands the captured output to the document store and stores
// the reference on the record.
func (r *Runner) persistResult(rec *models.ExecutionRecord, ws *workspace.Workspace) {
	output, err := os.ReadFile(ws.LogPath())
	if err != nil || len(output) == 0 {
		return
	}

	docID, err := r.docs.Save(string(output), docstore.Metadata{
		Title:    fmt.Sprintf("delegation result %s", rec.ID),
		RecordID: rec.ID,
		GroupID:  rec.GroupID,
	})
	if err != nil {
		r.log.Warn("result persistence failed", "record", rec.ID, "error", err)
		return
	}
	rec.ResultDocID = docID
}

func (r *Runner) runBranchHooks(rec *models.ExecutionRecord, ws *workspace.Workspace, opts Opts) {
	if err := vcs.Push(ws.RepoPath, ws.Branch); err != nil {
		r.log.Warn("branch push failed", "record", rec.ID, "branch", ws.Branch, "error", err)
		return
	}
	if opts.OpenPR {
		title := rec.Task
		if len(title) > 72 {
			title = title[:69] + "..."
		}
		body := fmt.Sprintf("Delegated task `%s`.\n\n%s", rec.ID, rec.Task)
		if err := vcs.OpenPR(ws.RepoPath, opts.BaseBranch, title, body, opts.Draft); err != nil {
			r.log.Warn("pr creation failed", "record", rec.ID, "error", err)
		}
	}
}

func (r *Runner) fail(rec *models.ExecutionRecord, reason string) error {
	now := time.Now()
	rec.Status = models.StatusFailed
	rec.Reason = reason
	rec.EndedAt = &now
	return r.store.UpsertRecord(rec)
}
