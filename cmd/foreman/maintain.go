package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mpataki/foreman/internal/cleanup"
	"github.com/mpataki/foreman/internal/health"
	"github.com/mpataki/foreman/internal/workspace"
	"github.com/spf13/cobra"
)

func newMaintainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Housekeeping for branches, processes, and workspaces",
	}
	cmd.AddCommand(newMaintainCleanupCommand())
	cmd.AddCommand(newMaintainDiagnoseCommand())
	return cmd
}

func newMaintainCleanupCommand() *cobra.Command {
	var (
		branches   bool
		processes  bool
		executions bool
		all        bool
		force      bool
		execute    bool
		age        time.Duration
		maxRuntime time.Duration
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up stale branches, processes, and workspaces",
		Long: "Reports what would be cleaned up across merged branches, leftover agent\n" +
			"processes, and terminal workspaces. Nothing is touched unless --execute is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			scope := cleanup.Scope{Branches: branches, Processes: processes, Executions: executions}
			if all || (!branches && !processes && !executions) {
				scope = cleanup.ScopeAll()
			}

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			if maxRuntime == 0 {
				maxRuntime = cfg.MaxRuntime
			}
			if timeout == 0 {
				timeout = cfg.HeartbeatTimeout
			}

			log := newLogger()
			classifier := health.New(store, health.Config{
				PidGrace:         cfg.PidGrace,
				HeartbeatTimeout: timeout,
				MaxRuntime:       maxRuntime,
				KillGrace:        cfg.KillGrace,
			}, log)
			prov := workspace.NewProvisioner(cfg.WorkspacesDir())
			svc := cleanup.New(store, classifier, prov, cwd, cfg.AgentBin, log)
			report, err := svc.Run(cmd.Context(), scope, cleanup.Opts{
				Force:      force,
				Age:        age,
				MaxRuntime: maxRuntime,
				Execute:    execute,
			})
			if err != nil {
				return err
			}

			printReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&branches, "branches", false, "Clean up merged work branches")
	cmd.Flags().BoolVar(&processes, "processes", false, "Clean up leftover agent processes")
	cmd.Flags().BoolVar(&executions, "executions", false, "Clean up stale executions and workspaces")
	cmd.Flags().BoolVar(&all, "all", false, "Clean up everything (default when no scope is given)")
	cmd.Flags().BoolVar(&force, "force", false, "Also delete unmerged branches")
	cmd.Flags().BoolVar(&execute, "execute", false, "Actually perform the cleanup instead of reporting")
	cmd.Flags().DurationVar(&age, "age", 24*time.Hour, "Only touch branches and workspaces older than this")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "Consider processes older than this stuck")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Heartbeat staleness cutoff for execution reconciliation")

	return cmd
}

func printReport(report *cleanup.Report) {
	verb := "Would perform"
	if report.Executed {
		verb = "Performed"
	}

	if len(report.Actions) == 0 {
		fmt.Println("Nothing to clean up.")
	} else {
		fmt.Printf("%s %d action(s):\n", verb, len(report.Actions))
		for _, a := range report.Actions {
			fmt.Printf("  %-17s %s", a.Kind, a.Target)
			if a.Detail != "" {
				fmt.Printf(" (%s)", a.Detail)
			}
			fmt.Println()
		}
	}

	for _, a := range report.Skipped {
		fmt.Printf("  skipped: %-8s %s (%s)\n", a.Kind, a.Target, a.Detail)
	}

	if !report.Executed {
		fmt.Println("\nDry run. Re-run with --execute to apply.")
	}
}

func newMaintainDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <id>",
		Short: "Inspect a running execution's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			log := newLogger()
			classifier := health.New(store, health.Config{
				PidGrace:         cfg.PidGrace,
				HeartbeatTimeout: cfg.HeartbeatTimeout,
				MaxRuntime:       cfg.MaxRuntime,
				KillGrace:        cfg.KillGrace,
			}, log)
			prov := workspace.NewProvisioner(cfg.WorkspacesDir())
			svc := cleanup.New(store, classifier, prov, cwd, cfg.AgentBin, log)

			diag, err := svc.Diagnose(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Record:           %s\n", diag.RecordID)
			fmt.Printf("PID:              %d\n", diag.PID)
			fmt.Printf("Open connections: %d\n", diag.OpenConnections)
			fmt.Printf("Workspace:        %s\n", diag.WorkspacePath)
			return nil
		},
	}
}
