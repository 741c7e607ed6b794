package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/model"
)

// CommandConfig configures a worker that runs an external program per dispatch.
type CommandConfig struct {
	ID      string
	Skills  []string
	Command []string
	Env     []string
	WorkDir string
	Timeout time.Duration
}

// Command is a worker backed by a subprocess. Each dispatch starts the
// program, writes the instruction as JSON on stdin and reads a JSON result
// from stdout:
//
//	{"status": "completed", "data": {...}, "uiRequests": [...],
//	 "reasoning": "...", "helpRequests": [...]}
//
// helpRequests are posted to the instruction's outbox.
type Command struct {
	cfg CommandConfig
	pm  *ProcessManager
}

type commandOutput struct {
	Result
	HelpRequests []model.UIRequest `json:"helpRequests,omitempty"`
}

// NewCommand creates a subprocess worker. pm may be nil.
func NewCommand(cfg CommandConfig, pm *ProcessManager) (*Command, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("command worker needs an id")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command worker %s has no command", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Command{cfg: cfg, pm: pm}, nil
}

func (c *Command) ID() string       { return c.cfg.ID }
func (c *Command) Skills() []string { return c.cfg.Skills }

// Dispatch runs the program once for the instruction.
func (c *Command) Dispatch(ctx context.Context, in Instruction) (Result, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("encode instruction: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := newCommand(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.WorkDir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.cfg.Env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, input, c.pm)
	if err != nil {
		return Result{}, fmt.Errorf("worker %s: %w", c.cfg.ID, err)
	}

	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return Result{}, fmt.Errorf("worker %s produced no output", c.cfg.ID)
	}

	var out commandOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return Result{}, fmt.Errorf("worker %s returned malformed result: %w", c.cfg.ID, err)
	}
	if out.Status == "" {
		out.Status = model.SubtaskCompletedStatus
	}

	if in.Outbox != nil {
		for _, req := range out.HelpRequests {
			if err := in.Outbox.Post(ctx, req); err != nil {
				return Result{}, fmt.Errorf("worker %s: post help request: %w", c.cfg.ID, err)
			}
		}
	}
	return out.Result, nil
}
