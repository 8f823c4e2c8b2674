package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/dispatch"
	"github.com/mpataki/foreman/internal/docstore"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/runner"
	"github.com/mpataki/foreman/internal/synth"
	"github.com/mpataki/foreman/internal/workspace"
	"github.com/spf13/cobra"
)

type delegateFlags struct {
	synthesize bool
	docID      string
	pr         bool
	branch     bool
	draft      bool
	noDraft    bool
	baseBranch string
	worktree   bool
	eachCmd    string
	doTemplate string
	parallel   int
	model      string
	cleanup    bool
}

func newDelegateCommand() *cobra.Command {
	var flags delegateFlags

	cmd := &cobra.Command{
		Use:   "delegate <task>...",
		Short: "Dispatch tasks to parallel agents",
		Long: `Delegate dispatches each task to its own Claude Code agent in an isolated
workspace, bounded by -j concurrent agents, and waits for all of them.
Exit code is zero only when every task completes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegate(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.synthesize, "synthesize", false, "Combine all task outputs into one document afterwards")
	cmd.Flags().StringVar(&flags.docID, "doc", "", "Inject a stored document as context for every task")
	cmd.Flags().BoolVar(&flags.pr, "pr", false, "Open a pull request per completed task (implies --branch)")
	cmd.Flags().BoolVar(&flags.branch, "branch", false, "Create a branch per task (implies --worktree)")
	cmd.Flags().BoolVar(&flags.draft, "draft", false, "Open PRs as drafts (default)")
	cmd.Flags().BoolVar(&flags.noDraft, "no-draft", false, "Open PRs ready for review")
	cmd.Flags().StringVar(&flags.baseBranch, "base-branch", "", "PR base branch")
	cmd.Flags().BoolVar(&flags.worktree, "worktree", false, "Run each task in a git worktree of the current repo")
	cmd.Flags().StringVar(&flags.eachCmd, "each", "", "Command whose output lines become tasks")
	cmd.Flags().StringVar(&flags.doTemplate, "do", "", "Task template for --each; {} is replaced with each line")
	cmd.Flags().IntVarP(&flags.parallel, "jobs", "j", 0, "Max concurrent agents (1-10)")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Agent model override")
	cmd.Flags().BoolVar(&flags.cleanup, "cleanup", false, "Release workspaces of completed tasks afterwards")

	return cmd
}

// resolveOptions folds flag implications into one validated options value so
// nothing downstream branches on raw flags.
func resolveOptions(cfg *config.Config, flags delegateFlags, groupID, contextDoc string) (dispatch.Options, error) {
	if flags.eachCmd != "" && flags.doTemplate == "" {
		return dispatch.Options{}, fmt.Errorf("--each requires --do")
	}
	if flags.doTemplate != "" && flags.eachCmd == "" {
		return dispatch.Options{}, fmt.Errorf("--do requires --each")
	}
	if flags.draft && flags.noDraft {
		return dispatch.Options{}, fmt.Errorf("--draft and --no-draft are mutually exclusive")
	}

	branch := flags.branch || flags.pr
	worktree := flags.worktree || branch
	draft := flags.draft || !flags.noDraft

	parallel := flags.parallel
	if parallel == 0 {
		parallel = cfg.DefaultParallel
	}

	opts := dispatch.Options{
		MaxParallel: parallel,
		GroupID:     groupID,
		Worktree:    worktree,
		Branch:      branch,
		Run: runner.Opts{
			Model:      flags.model,
			ContextDoc: contextDoc,
			Push:       flags.pr,
			OpenPR:     flags.pr,
			Draft:      draft,
			BaseBranch: flags.baseBranch,
		},
	}
	if worktree {
		wd, err := os.Getwd()
		if err != nil {
			return dispatch.Options{}, err
		}
		opts.SourceRepo = wd
	}
	return opts, nil
}

// expandEach runs the --each command and expands the --do template once per
// output line.
func expandEach(eachCmd, template string) ([]string, error) {
	out, err := exec.Command("sh", "-c", eachCmd).Output()
	if err != nil {
		return nil, fmt.Errorf("--each command failed: %w", err)
	}

	var tasks []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tasks = append(tasks, strings.ReplaceAll(template, "{}", line))
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("--each command produced no tasks")
	}
	return tasks, nil
}

func runDelegate(ctx context.Context, args []string, flags delegateFlags) error {
	cfg, store, err := openEnv()
	if err != nil {
		return err
	}
	defer store.Close()

	log := newLogger()
	docs := docstore.NewFileStore(cfg.DocsDir)

	tasks := append([]string(nil), args...)
	if flags.eachCmd != "" {
		expanded, err := expandEach(flags.eachCmd, flags.doTemplate)
		if err != nil {
			return err
		}
		tasks = append(tasks, expanded...)
	}

	var contextDoc string
	if flags.docID != "" {
		contextDoc, err = docs.Get(flags.docID)
		if err != nil {
			return fmt.Errorf("failed to load context document: %w", err)
		}
	}

	var groupID string
	if flags.synthesize {
		groupID = uuid.New().String()
		if err := store.CreateGroup(&models.WorkspaceGroup{
			ID:               groupID,
			FailureThreshold: cfg.FailureThreshold,
		}); err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
	}

	opts, err := resolveOptions(cfg, flags, groupID, contextDoc)
	if err != nil {
		return err
	}

	prov := workspace.NewProvisioner(cfg.WorkspacesDir())
	run := runner.New(store, docs, runner.Config{
		AgentBin:          cfg.AgentBin,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxRuntime:        cfg.MaxRuntime,
		KillGrace:         cfg.KillGrace,
	}, log)
	engine := dispatch.New(store, prov, run, cfg.KillGrace, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handles, err := engine.Dispatch(ctx, tasks, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Dispatched %d task(s), max %d in parallel\n", len(handles), opts.MaxParallel)
	for _, h := range handles {
		fmt.Printf("  %s\n", h.ID)
	}

	recs, err := dispatch.AwaitAll(ctx, handles)
	if err != nil {
		return err
	}

	completed := 0
	for _, rec := range recs {
		line := fmt.Sprintf("%s [%s]", rec.ID, rec.Status)
		if rec.Status == models.StatusCompleted {
			completed++
		} else if rec.Reason != "" {
			line += " " + rec.Reason
		}
		fmt.Println(line)
	}

	if flags.cleanup {
		for _, rec := range recs {
			if rec.Status != models.StatusCompleted || rec.WorkspacePath == "" {
				continue
			}
			// Branches that a PR depends on must outlive the task.
			keep := flags.pr || flags.branch
			if ws, err := workspace.Open(cfg.WorkspacesDir(), rec.ID); err == nil {
				if err := prov.Release(ws, keep); err != nil {
					log.Warn("workspace release failed", "record", rec.ID, "error", err)
					continue
				}
				if !keep {
					rec.CleanupState = models.CleanupDone
					if err := store.UpsertRecord(rec); err != nil {
						log.Warn("cleanup state update failed", "record", rec.ID, "error", err)
					}
				}
			}
		}
	}

	if flags.synthesize {
		docID, err := synth.New(store, docs).Synthesize(ctx, groupID)
		if err != nil {
			fmt.Printf("Synthesis failed: %v\n", err)
		} else {
			fmt.Printf("Synthesis: %s\n", docID)
		}
	}

	if completed < len(recs) {
		return fmt.Errorf("%d of %d task(s) did not complete", len(recs)-completed, len(recs))
	}
	return nil
}
