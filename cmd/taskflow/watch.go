package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/events"
)

var watchTask string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow notifications from running engines",
	Long: `Print every change notification published on NATS, one line per
entry, until interrupted. Requires nats.url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATS.URL == "" {
			return fmt.Errorf("watch needs nats.url to be set")
		}
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("taskflow-watch"))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		return watch(ctx, nc, subject(cfg.NATS.Prefix, ">"), watchTask, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchTask, "task", "", "only show this task")
}

// watch prints notifications received on subj until ctx is done.
func watch(ctx context.Context, nc *nats.Conn, subj, task string, out io.Writer) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(subj, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var n events.Notification
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				fmt.Fprintf(out, "%s: malformed notification: %v\n", msg.Subject, err)
				continue
			}
			if task != "" && n.Task != task {
				continue
			}
			fmt.Fprintln(out, formatNotification(n))
		}
	}
}

func formatNotification(n events.Notification) string {
	return fmt.Sprintf("%s  %s  #%d %s", n.Timestamp.Format("15:04:05"), n.Task, n.Sequence, n.Type)
}
