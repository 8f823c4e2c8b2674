// Package cleanup reclaims what finished or wedged delegations leave behind:
// agent branches, agent processes, and workspace directories. Every entry
// point is dry-run by default; nothing is deleted or signalled unless the
// caller passes Execute.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/health"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/proc"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/vcs"
	"github.com/mpataki/foreman/internal/workspace"
)

// BranchPrefix marks branches the engine created.
const BranchPrefix = "foreman/"

type Scope struct {
	Branches   bool
	Processes  bool
	Executions bool
}

func ScopeAll() Scope {
	return Scope{Branches: true, Processes: true, Executions: true}
}

type Opts struct {
	Force      bool
	Age        time.Duration
	MaxRuntime time.Duration
	Execute    bool
}

// Action describes one intended (or applied) change.
type Action struct {
	Kind   string // "delete-branch", "kill-process", "remove-workspace", "force-terminal"
	Target string
	Detail string
}

type Report struct {
	Executed bool
	Actions  []Action
	Skipped  []Action
}

// agentProcess is one ps row matching the agent signature.
type agentProcess struct {
	PID     int
	Runtime time.Duration
	Command string
}

type Service struct {
	store      *storage.Store
	classifier *health.Classifier
	prov       *workspace.Provisioner
	repoDir    string
	agentBin   string
	log        *slog.Logger

	// Seams for tests: process scanning, signalling, and git are all
	// side-effecting.
	scan           func() ([]agentProcess, error)
	terminate      func(pid int, grace time.Duration)
	mergedBranches func() ([]string, error)
	allBranches    func() ([]string, error)
	deleteBranch   func(branch string, force bool) error
	branchAge      func(branch string) (time.Duration, error)
}

func New(store *storage.Store, classifier *health.Classifier, prov *workspace.Provisioner,
	repoDir, agentBin string, log *slog.Logger) *Service {
	s := &Service{
		store:      store,
		classifier: classifier,
		prov:       prov,
		repoDir:    repoDir,
		agentBin:   agentBin,
		log:        log,
		terminate:  proc.TerminateGroup,
	}
	s.scan = s.scanProcesses
	s.mergedBranches = func() ([]string, error) { return vcs.MergedBranches(repoDir, BranchPrefix) }
	s.allBranches = func() ([]string, error) { return vcs.Branches(repoDir, BranchPrefix) }
	s.deleteBranch = func(branch string, force bool) error { return vcs.DeleteBranch(repoDir, branch, force) }
	s.branchAge = s.gitBranchAge
	return s
}

func (s *Service) Run(ctx context.Context, scope Scope, opts Opts) (*Report, error) {
	report := &Report{Executed: opts.Execute}

	if scope.Branches {
		if err := s.cleanBranches(report, opts); err != nil {
			return report, err
		}
	}
	if scope.Processes {
		if err := s.cleanProcesses(report, opts); err != nil {
			return report, err
		}
	}
	if scope.Executions {
		if err := s.cleanExecutions(ctx, report, opts); err != nil {
			return report, err
		}
	}

	return report, nil
}

// cleanBranches deletes merged or sufficiently old agent branches. Unmerged
// branches younger than the age cutoff need Force.
func (s *Service) cleanBranches(report *Report, opts Opts) error {
	merged, err := s.mergedBranches()
	if err != nil {
		return fmt.Errorf("failed to list merged branches: %w", err)
	}
	mergedSet := make(map[string]struct{}, len(merged))
	for _, b := range merged {
		mergedSet[b] = struct{}{}
	}

	all, err := s.allBranches()
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}

	for _, branch := range all {
		_, isMerged := mergedSet[branch]
		old := false
		if !isMerged && opts.Age > 0 {
			if age, err := s.branchAge(branch); err == nil && age > opts.Age {
				old = true
			}
		}

		switch {
		case isMerged:
			s.apply(report, opts, Action{Kind: "delete-branch", Target: branch, Detail: "merged"},
				func() error { return s.deleteBranch(branch, false) })
		case old || opts.Force:
			detail := "unmerged, forced"
			if old {
				detail = "unmerged, past age cutoff"
			}
			s.apply(report, opts, Action{Kind: "delete-branch", Target: branch, Detail: detail},
				func() error { return s.deleteBranch(branch, true) })
		default:
			report.Skipped = append(report.Skipped,
				Action{Kind: "delete-branch", Target: branch, Detail: "unmerged (use --force)"})
		}
	}

	return nil
}

// cleanProcesses scans the process table for the agent signature and
// categorizes matches: zombie (record already terminal), stuck (past max
// runtime), orphaned (no record at all).
func (s *Service) cleanProcesses(report *Report, opts Opts) error {
	procs, err := s.scan()
	if err != nil {
		return fmt.Errorf("process scan failed: %w", err)
	}

	recs, err := s.store.ListRecords(storage.ListFilter{})
	if err != nil {
		return err
	}
	byPid := make(map[int]*models.ExecutionRecord)
	for _, rec := range recs {
		if rec.PID != nil {
			byPid[*rec.PID] = rec
		}
	}

	for _, p := range procs {
		rec, known := byPid[p.PID]

		var category string
		switch {
		case !known:
			category = "orphaned"
		case rec.Status.Terminal():
			category = "zombie"
		case opts.MaxRuntime > 0 && p.Runtime > opts.MaxRuntime:
			category = "stuck"
		default:
			report.Skipped = append(report.Skipped, Action{
				Kind: "kill-process", Target: strconv.Itoa(p.PID), Detail: "supervised and healthy",
			})
			continue
		}

		pid := p.PID
		s.apply(report, opts,
			Action{Kind: "kill-process", Target: strconv.Itoa(pid), Detail: category},
			func() error { s.terminate(pid, 5*time.Second); return nil })
	}

	return nil
}

// cleanExecutions reconciles Running records via a health sweep, then removes
// workspace directories for records that are now terminal.
func (s *Service) cleanExecutions(ctx context.Context, report *Report, opts Opts) error {
	if opts.Execute {
		swept, err := s.classifier.Sweep(ctx)
		if err != nil {
			return err
		}
		for _, r := range swept {
			report.Actions = append(report.Actions, Action{
				Kind: "force-terminal", Target: r.RecordID, Detail: string(r.Category),
			})
		}
	} else {
		// Dry run: report what the sweep would do without transitioning.
		running, err := s.store.ListRecords(storage.ListFilter{Status: models.StatusRunning})
		if err != nil {
			return err
		}
		now := time.Now()
		for _, rec := range running {
			if category := s.classifier.Classify(rec, now); category != health.Healthy {
				report.Actions = append(report.Actions, Action{
					Kind: "force-terminal", Target: rec.ID, Detail: string(category),
				})
			}
		}
	}

	recs, err := s.store.ListRecords(storage.ListFilter{})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.Status.Terminal() || rec.CleanupState != models.CleanupPending || rec.WorkspacePath == "" {
			continue
		}
		if opts.Age > 0 && rec.EndedAt != nil && time.Since(*rec.EndedAt) < opts.Age {
			report.Skipped = append(report.Skipped, Action{
				Kind: "remove-workspace", Target: rec.WorkspacePath, Detail: "younger than age cutoff",
			})
			continue
		}

		rec := rec
		s.apply(report, opts,
			Action{Kind: "remove-workspace", Target: rec.WorkspacePath, Detail: "record " + rec.ID},
			func() error {
				if ws, err := workspace.Open(s.prov.BaseDir(), rec.ID); err == nil {
					if err := s.prov.Release(ws, false); err != nil {
						return err
					}
				} else {
					// Workspace already gone; just reconcile the flag.
					os.RemoveAll(rec.WorkspacePath)
				}
				rec.CleanupState = models.CleanupDone
				return s.store.UpsertRecord(rec)
			})
	}

	return nil
}

// apply records the action, and performs it only when executing.
func (s *Service) apply(report *Report, opts Opts, action Action, do func() error) {
	if opts.Execute {
		if err := do(); err != nil {
			s.log.Warn("cleanup action failed", "kind", action.Kind, "target", action.Target, "error", err)
			action.Detail += " (failed: " + err.Error() + ")"
		}
	}
	report.Actions = append(report.Actions, action)
}

// scanProcesses shells out to ps and keeps rows whose command mentions the
// agent binary, excluding this controller itself.
func (s *Service) scanProcesses() ([]agentProcess, error) {
	out, err := exec.Command("ps", "-eo", "pid=,etimes=,args=").Output()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var procs []agentProcess
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid == self {
			continue
		}
		command := strings.Join(fields[2:], " ")
		if !strings.Contains(command, s.agentBin) {
			continue
		}
		elapsed, _ := strconv.Atoi(fields[1])
		procs = append(procs, agentProcess{
			PID:     pid,
			Runtime: time.Duration(elapsed) * time.Second,
			Command: command,
		})
	}
	return procs, nil
}

func (s *Service) gitBranchAge(branch string) (time.Duration, error) {
	out, err := exec.Command("git", "-C", s.repoDir, "log", "-1", "--format=%ct", branch).Output()
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Since(time.Unix(ts, 0)), nil
}

// Diagnostics supports manual triage of a stuck task: inspect the process,
// its connections, then the workspace, before killing and reclaiming.
type Diagnostics struct {
	RecordID        string
	PID             int
	OpenConnections int
	WorkspacePath   string
}

func (s *Service) Diagnose(recordID string) (*Diagnostics, error) {
	rec, err := s.store.GetRecord(recordID)
	if err != nil {
		return nil, err
	}

	d := &Diagnostics{RecordID: rec.ID, WorkspacePath: rec.WorkspacePath}
	if rec.PID != nil {
		d.PID = *rec.PID
		if out, err := exec.Command("lsof", "-p", strconv.Itoa(*rec.PID), "-i").Output(); err == nil {
			lines := strings.Split(strings.TrimSpace(string(out)), "\n")
			if len(lines) > 1 { // first line is the header
				d.OpenConnections = len(lines) - 1
			}
		}
	}
	return d, nil
}
