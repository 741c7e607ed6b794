package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or initialize taskflow configuration.

Configuration is merged from ~/.taskflow/config.yaml, then
.taskflow/config.yaml, then TASKFLOW_* environment variables
(for example TASKFLOW_RESILIENCE_FAILURE_POLICY=fail).`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a project config and a sample capability file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := projectConfigPath
		if path == "" {
			path = config.ProjectPath()
		}
		return initProject(path, configForce, cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cfg, cmd.OutOrStdout())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing files")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

// sampleWorkers is written by config init. The echo worker completes every
// subtask without doing anything, which is enough to watch a plan run.
var sampleWorkers = capability.FileFormat{
	Workers: []capability.WorkerSpec{
		{
			ID:               "echo",
			Role:             "Completes subtasks without side effects",
			Skills:           []string{"general"},
			FallbackStrategy: "user_input",
			Command:          []string{"sh", "-c", `cat >/dev/null; echo '{"status":"completed","data":{}}'`},
			Timeout:          "30s",
		},
	},
}

// initProject writes the default config to path and a sample capability
// file next to it.
func initProject(path string, force bool, out io.Writer) error {
	cfg := config.DefaultConfig()
	cfg.Capabilities.File = filepath.Join(filepath.Dir(path), "workers.yaml")
	cfg.Database.Path = filepath.Join(filepath.Dir(path), "taskflow.db")

	if err := refuseOverwrite(path, force); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)

	if err := refuseOverwrite(cfg.Capabilities.File, force); err != nil {
		return err
	}
	data, err := yaml.Marshal(sampleWorkers)
	if err != nil {
		return fmt.Errorf("marshal sample workers: %w", err)
	}
	if err := os.WriteFile(cfg.Capabilities.File, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.Capabilities.File, err)
	}
	fmt.Fprintf(out, "wrote %s\n", cfg.Capabilities.File)
	return nil
}

func refuseOverwrite(path string, force bool) error {
	if force {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// showConfig prints cfg as YAML with the API key masked.
func showConfig(cfg *config.Config, out io.Writer) error {
	c := *cfg
	if c.Planner.APIKey != "" {
		c.Planner.APIKey = "****"
	}
	data, err := config.Marshal(&c)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
