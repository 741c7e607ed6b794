package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/orchestrator"
)

var (
	createTemplate    string
	createTenant      string
	createID          string
	createTitle       string
	createDescription string
	createGoals       []string
	createData        string
	createRun         bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a task",
	Long: `Create a task from a template.

By default the task is recorded and announced: a running 'taskflow serve'
picks it up over NATS when nats.url is set, otherwise on its next start.
With --run the task is orchestrated in this process and its resulting state
is printed.`,
	Example: `  taskflow create --template onboarding --title "Onboard ACME" \
    --goal "customer is onboarded" --data '{"customer":{"name":"ACME"}}'`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createTemplate, "template", "", "template id (required)")
	createCmd.Flags().StringVar(&createTenant, "tenant", "default", "tenant id")
	createCmd.Flags().StringVar(&createID, "id", "", "context id (generated when empty)")
	createCmd.Flags().StringVar(&createTitle, "title", "", "task title")
	createCmd.Flags().StringVar(&createDescription, "description", "", "task description")
	createCmd.Flags().StringArrayVar(&createGoals, "goal", nil, "goal description (repeatable)")
	createCmd.Flags().StringVar(&createData, "data", "", "initial data as a JSON object, or @file")
	createCmd.Flags().BoolVar(&createRun, "run", false, "orchestrate the task in this process")
	_ = createCmd.MarkFlagRequired("template")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	nt, err := newTaskFromFlags()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, offline(cfg), newLogger(cfg.Log, os.Stderr), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	return createTask(ctx, a, nt, createRun, cfg.NATS, cmd.OutOrStdout())
}

// offline returns a copy of cfg without the NATS bridge. Commands that
// create or drive tasks announce them explicitly instead of mirroring.
func offline(cfg *config.Config) *config.Config {
	c := *cfg
	c.NATS.URL = ""
	return &c
}

func newTaskFromFlags() (orchestrator.NewTask, error) {
	data, err := parseData(createData)
	if err != nil {
		return orchestrator.NewTask{}, err
	}
	nt := orchestrator.NewTask{
		ContextID:  createID,
		TemplateID: createTemplate,
		TenantID:   createTenant,
		Metadata: model.TaskMetadata{
			Title:       createTitle,
			Description: createDescription,
		},
		InitialData: data,
		Trigger:     &model.Trigger{Type: "cli", Source: "taskflow create"},
	}
	if len(createGoals) > 0 {
		nt.Metadata.Goals = model.UnstructuredGoals(createGoals...)
	}
	return nt, nil
}

// parseData decodes a JSON object given inline or as @path.
func parseData(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		raw = string(b)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("data must be a JSON object: %w", err)
	}
	return data, nil
}

// createTask records the task and either runs it here or announces it.
func createTask(ctx context.Context, a *app, nt orchestrator.NewTask, run bool, natsCfg config.NATSConfig, out io.Writer) error {
	task, err := a.orch.CreateTask(ctx, nt)
	if err != nil {
		return err
	}

	if run {
		st, err := a.orch.OrchestrateTask(ctx, task.ContextID)
		if err != nil {
			return err
		}
		return printJSON(out, taskSummary(task.ContextID, st))
	}

	if natsCfg.URL != "" {
		if err := announce(natsCfg, events.Notification{
			Task:      task.ContextID,
			Type:      events.TopicTaskCreated,
			Sequence:  1,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, task.ContextID)
	return nil
}

// announce publishes one notification on NATS.
func announce(cfg config.NATSConfig, n events.Notification) error {
	conn, err := nats.Connect(cfg.URL, nats.Name("taskflow-cli"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := conn.Publish(subject(cfg.Prefix, n.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Type, err)
	}
	return conn.Flush()
}

// subject mirrors the bridge's "<prefix>.<operation>" naming.
func subject(prefix, operation string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "taskflow"
	}
	return prefix + "." + operation
}

// summary is what create --run and respond print.
type summary struct {
	ContextID       string            `json:"contextId"`
	Status          model.TaskStatus  `json:"status"`
	Phase           string            `json:"phase"`
	Completeness    int               `json:"completeness"`
	PendingRequests []model.UIRequest `json:"pendingRequests,omitempty"`
	ManualGuidance  bool              `json:"manualGuidance,omitempty"`
}

func taskSummary(contextID string, st model.ComputedState) summary {
	return summary{
		ContextID:       contextID,
		Status:          st.Status,
		Phase:           st.Phase,
		Completeness:    st.Completeness,
		PendingRequests: st.PendingRequests,
		ManualGuidance:  st.ManualGuidance,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
