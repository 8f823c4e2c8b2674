package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Delegation and supervision for Claude Code agents",
		Long:          "Foreman dispatches tasks to parallel Claude Code agents in isolated workspaces and supervises them to completion.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newDelegateCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newMaintainCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEnv loads config and opens the ledger; the caller must Close the store.
func openEnv() (*config.Config, *storage.Store, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	return cfg, store, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
