package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/eventlog"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/state"
)

var (
	stateAt     int
	historyJSON bool
)

var stateCmd = &cobra.Command{
	Use:   "state <context-id>",
	Short: "Print a task's computed state",
	Long: `Replay a task's history and print the resulting state as JSON.

With --at N only the first N entries are replayed, showing the task as it
was at that point.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd, func(ctx context.Context, log *eventlog.Log) error {
			return printState(ctx, log, args[0], stateAt, cmd.OutOrStdout())
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <context-id>",
	Short: "Print a task's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd, func(ctx context.Context, log *eventlog.Log) error {
			return printHistory(ctx, log, args[0], historyJSON, cmd.OutOrStdout())
		})
	},
}

func init() {
	stateCmd.Flags().IntVar(&stateAt, "at", 0, "replay only the first N entries (0 replays everything)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print entries as JSON")
}

// withLog opens the store read side only. No workers or planner are needed
// to inspect history.
func withLog(cmd *cobra.Command, fn func(ctx context.Context, log *eventlog.Log) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, log, err := openLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, log)
}

func openLog(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, *eventlog.Log, error) {
	if cfg.Database.Path != memoryDatabase {
		if _, err := os.Stat(cfg.Database.Path); err != nil {
			return nil, nil, fmt.Errorf("no database at %s: %w", cfg.Database.Path, err)
		}
	}
	store, err := openStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	log := eventlog.New(eventlog.Config{
		Store:    store,
		Computer: state.NewComputer(cfg.RequiredPaths()),
		Logger:   newLogger(cfg.Log, os.Stderr),
	})
	return store, log, nil
}

func printState(ctx context.Context, log *eventlog.Log, contextID string, at int, out io.Writer) error {
	var (
		st  model.ComputedState
		err error
	)
	if at > 0 {
		st, err = log.StateAt(ctx, contextID, at)
	} else {
		st, err = log.State(ctx, contextID)
	}
	if err != nil {
		return err
	}
	if st.SequenceNumber == 0 {
		return fmt.Errorf("%s: %w", contextID, model.ErrTaskNotFound)
	}
	return printJSON(out, st)
}

func printHistory(ctx context.Context, log *eventlog.Log, contextID string, asJSON bool, out io.Writer) error {
	history, err := log.History(ctx, contextID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("%s: %w", contextID, model.ErrTaskNotFound)
	}
	if asJSON {
		return printJSON(out, history)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tOPERATION\tACTOR\tREASONING")
	for _, e := range history {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.SequenceNumber,
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Operation,
			string(e.Actor.Type)+":"+e.Actor.ID,
			oneLine(e.Reasoning, 80),
		)
	}
	return tw.Flush()
}

// oneLine flattens s and cuts it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
