package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var respondData string

var respondCmd = &cobra.Command{
	Use:   "respond <context-id> <request-id>",
	Short: "Answer a pending request",
	Long: `Record the answer to one of a task's pending requests.

Once the task has no pending requests left it resumes in this process and
the resulting state is printed. A task under manual guidance is completed
instead.`,
	Example: `  taskflow respond 5b1f... 9c2e... --data '{"email":"ops@acme.test"}'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := parseData(respondData)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, offline(cfg), newLogger(cfg.Log, os.Stderr), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		return respond(ctx, a, args[0], args[1], data, cmd.OutOrStdout())
	},
}

func init() {
	respondCmd.Flags().StringVar(&respondData, "data", "{}", "answer as a JSON object, or @file")
}

func respond(ctx context.Context, a *app, contextID, requestID string, data map[string]any, out io.Writer) error {
	if data == nil {
		data = map[string]any{}
	}
	if err := a.orch.SubmitUserResponse(ctx, contextID, requestID, data); err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	st, err := a.orch.State(ctx, contextID)
	if err != nil {
		return err
	}
	return printJSON(out, taskSummary(contextID, st))
}
