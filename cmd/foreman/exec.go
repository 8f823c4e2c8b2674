package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/foreman/internal/dispatch"
	"github.com/mpataki/foreman/internal/health"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/tui"
	"github.com/mpataki/foreman/internal/workspace"
	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Inspect and manage executions",
	}

	cmd.AddCommand(
		newExecListCommand(),
		newExecRunningCommand(),
		newExecStatsCommand(),
		newExecShowCommand(),
		newExecLogsCommand(),
		newExecTailCommand(),
		newExecKillCommand(),
		newExecKillallCommand(),
		newExecHealthCommand(),
		newExecMonitorCommand(),
		newExecPurgeCommand(),
	)
	return cmd
}

func printRecords(recs []*models.ExecutionRecord) {
	if len(recs) == 0 {
		fmt.Println("No executions found.")
		return
	}
	for _, rec := range recs {
		extra := ""
		if rec.Reason != "" {
			extra = " " + rec.Reason
		}
		fmt.Printf("%s [%s]%s %s\n", rec.ID, rec.Status, extra, truncate(rec.Task, 60))
	}
}

func newExecListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListRecords(storage.ListFilter{Limit: limit})
			if err != nil {
				return err
			}
			printRecords(recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Max records to show")
	return cmd
}

func newExecRunningCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List running executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListRecords(storage.ListFilter{Status: models.StatusRunning})
			if err != nil {
				return err
			}
			printRecords(recs)
			return nil
		},
	}
}

func newExecStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show execution counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.CountByStatus()
			if err != nil {
				return err
			}

			total := 0
			for _, status := range []models.Status{
				models.StatusPending, models.StatusRunning, models.StatusCompleted,
				models.StatusFailed, models.StatusKilled, models.StatusTimedOut,
			} {
				if n := counts[status]; n > 0 {
					fmt.Printf("%-10s %d\n", status, n)
					total += n
				}
			}
			fmt.Printf("%-10s %d\n", "total", total)
			return nil
		},
	}
}

func newExecShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRecord(args[0])
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}

			fmt.Printf("ID:        %s\n", rec.ID)
			fmt.Printf("Task:      %s\n", rec.Task)
			fmt.Printf("Status:    %s\n", rec.Status)
			if rec.Reason != "" {
				fmt.Printf("Reason:    %s\n", rec.Reason)
			}
			if rec.PID != nil {
				fmt.Printf("PID:       %d\n", *rec.PID)
			}
			if rec.ExitCode != nil {
				fmt.Printf("Exit code: %d\n", *rec.ExitCode)
			}
			fmt.Printf("Workspace: %s (cleanup %s)\n", rec.WorkspacePath, rec.CleanupState)
			if rec.Branch != "" {
				fmt.Printf("Branch:    %s\n", rec.Branch)
			}
			if rec.GroupID != "" {
				group := rec.GroupID
				if members, merr := store.GroupMembers(rec.GroupID); merr == nil {
					group += fmt.Sprintf(" (%s)", models.AggregateStatus(members))
				}
				fmt.Printf("Group:     %s\n", group)
			}
			if rec.ResultDocID != "" {
				fmt.Printf("Result:    %s\n", rec.ResultDocID)
			}
			fmt.Printf("Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
			if rec.StartedAt != nil {
				fmt.Printf("Started:   %s\n", rec.StartedAt.Format(time.RFC3339))
			}
			if rec.LastHeartbeat != nil {
				fmt.Printf("Heartbeat: %s\n", rec.LastHeartbeat.Format(time.RFC3339))
			}
			if rec.EndedAt != nil {
				fmt.Printf("Ended:     %s\n", rec.EndedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func openLog(recordID string) (*os.File, error) {
	cfg, store, err := openEnv()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if _, err := store.GetRecord(recordID); err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	ws, err := workspace.Open(cfg.WorkspacesDir(), recordID)
	if err != nil {
		return nil, err
	}
	return os.Open(ws.LogPath())
}

func newExecLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Print an execution's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openLog(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(os.Stdout, f)
			return err
		},
	}
}

func newExecTailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <id>",
		Short: "Follow an execution's output",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openLog(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Dump what exists, then poll for appended output.
			if _, err := io.Copy(os.Stdout, f); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(500 * time.Millisecond):
					if _, err := io.Copy(os.Stdout, f); err != nil {
						return err
					}
				}
			}
		},
		Args: cobra.ExactArgs(1),
	}
}

func newExecKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := dispatch.New(store, workspace.NewProvisioner(cfg.WorkspacesDir()),
				nil, cfg.KillGrace, newLogger())
			if err := engine.Kill(args[0]); err != nil {
				return fmt.Errorf("failed to kill: %w", err)
			}
			fmt.Printf("Killed %s\n", args[0])
			return nil
		},
	}
}

func newExecKillallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "killall",
		Short: "Kill every pending and running execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := dispatch.New(store, workspace.NewProvisioner(cfg.WorkspacesDir()),
				nil, cfg.KillGrace, newLogger())
			killed, err := engine.KillAll()
			if err != nil {
				return err
			}
			for _, id := range killed {
				fmt.Printf("Killed %s\n", id)
			}
			fmt.Printf("%d execution(s) killed\n", len(killed))
			return nil
		},
	}
}

func newExecHealthCommand() *cobra.Command {
	var sweep bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Classify running executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			classifier := health.New(store, health.Config{
				PidGrace:         cfg.PidGrace,
				HeartbeatTimeout: cfg.HeartbeatTimeout,
				MaxRuntime:       cfg.MaxRuntime,
				KillGrace:        cfg.KillGrace,
			}, newLogger())

			if sweep {
				results, err := classifier.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Printf("%s %s -> %s\n", r.RecordID, r.Category, r.Status)
				}
				fmt.Printf("%d record(s) reconciled\n", len(results))
				return nil
			}

			running, err := store.ListRecords(storage.ListFilter{Status: models.StatusRunning})
			if err != nil {
				return err
			}
			if len(running) == 0 {
				fmt.Println("No running executions.")
				return nil
			}
			now := time.Now()
			for _, rec := range running {
				fmt.Printf("%s %s\n", rec.ID, classifier.Classify(rec, now))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Force anomalous records terminal")
	return cmd
}

func newExecMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Live execution monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			p := tea.NewProgram(tui.NewMonitor(store), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

func newExecPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Remove a record and its workspace permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRecord(args[0])
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}
			if !rec.Status.Terminal() {
				return fmt.Errorf("refusing to purge %s record %s; kill it first", rec.Status, rec.ID)
			}

			prov := workspace.NewProvisioner(cfg.WorkspacesDir())
			if ws, err := workspace.Open(cfg.WorkspacesDir(), rec.ID); err == nil {
				if err := prov.Release(ws, false); err != nil {
					return err
				}
			}
			if err := store.PurgeRecord(rec.ID); err != nil {
				return err
			}
			fmt.Printf("Purged %s\n", rec.ID)
			return nil
		},
	}
}
