package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
)

var (
	projectConfigPath string
	logLevelOverride  string
)

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Event-sourced task orchestration engine",
	Long: `Taskflow turns business requests into execution plans, dispatches the
plan's subtasks to registered workers and asks people for input only when
automation cannot proceed.

Every change to a task is an immutable entry in its history; the current
state is always recomputed from that history.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectConfigPath, "config", "", "project config file (default .taskflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig merges the global and project files with the environment and
// applies command-line overrides.
func loadConfig() (*config.Config, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := projectConfigPath
	if projectPath == "" {
		projectPath = config.ProjectPath()
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevelOverride != "" {
		cfg.Log.Level = logLevelOverride
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
