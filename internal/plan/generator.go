// Package plan builds execution plans. The planner proposes, this package
// disposes: every answer is shape-checked, worker references are corrected
// against the capability snapshot, and a static fallback plan is used when
// nothing else works. Each step is recorded in the task's history.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/google/uuid"
)

// Plan sources recorded in model.PlanMetadata.
const (
	SourcePlanner  = "planner"
	SourceFallback = "fallback"
)

// Request describes the task a plan is generated for.
type Request struct {
	ContextID  string
	TemplateID string
	Metadata   model.TaskMetadata
	Data       map[string]any
}

// RecordFunc appends an audit entry to the history of the task being
// planned. Its errors abort plan generation.
type RecordFunc func(ctx context.Context, p model.Payload, reasoning string) error

// Config configures a Generator.
type Config struct {
	Planner planner.Planner
	// Aliases maps worker ids planners tend to invent to real ones.
	Aliases map[string]string
	Retry   resilience.RetryConfig
	Logger  *slog.Logger
	Now     func() time.Time
}

// Generator creates execution plans.
type Generator struct {
	planner planner.Planner
	aliases map[string]string
	retry   resilience.RetryConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewGenerator creates a Generator. A nil planner behaves like a disabled
// one: every plan is the fallback plan.
func NewGenerator(cfg Config) *Generator {
	p := cfg.Planner
	if p == nil {
		p = planner.Disabled{}
	}
	aliases := make(map[string]string, len(cfg.Aliases))
	for k, v := range cfg.Aliases {
		aliases[k] = v
		aliases[strings.ToLower(k)] = v
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		planner: p,
		aliases: aliases,
		retry:   cfg.Retry,
		logger:  logger,
		now:     now,
	}
}

// CreatePlan produces the plan for a task and records it with an
// execution_plan_created entry. The returned plan only references workers
// present in snap. It fails with model.ErrPlanGenerationFailed only when
// even the fallback plan cannot be built, and with the recorder's error when
// an audit entry cannot be appended.
func (g *Generator) CreatePlan(ctx context.Context, req Request, snap capability.Snapshot, record RecordFunc) (model.ExecutionPlan, error) {
	p, cause, err := g.fromPlanner(ctx, req, snap, record)
	if err != nil {
		return model.ExecutionPlan{}, err
	}

	if p == nil {
		fb, err := fallbackPlan(req, snap, cause)
		if err != nil {
			if rerr := record(ctx, model.PlanGenerationAttempted{
				Stage:  model.StageFallback,
				Detail: err.Error(),
			}, "The fallback plan could not be built because no worker is known"); rerr != nil {
				return model.ExecutionPlan{}, rerr
			}
			return model.ExecutionPlan{}, err
		}
		if err := record(ctx, model.PlanGenerationAttempted{
			Stage:     model.StageFallback,
			Succeeded: true,
			Detail:    fmt.Sprintf("single %s phase assigned to %s", FallbackPhase, fb.Phases[0].Subtasks[0].AssignedWorkerID),
		}, "Using the static manual-guidance plan: "+cause); err != nil {
			return model.ExecutionPlan{}, err
		}
		g.logger.Warn("using fallback plan", "task", req.ContextID, "cause", cause)
		p = &fb
	}

	if missing := unknownWorkers(*p, snap); len(missing) > 0 {
		return model.ExecutionPlan{}, fmt.Errorf("%w: plan references %s", model.ErrInvalidWorkerReference, strings.Join(missing, ", "))
	}

	p.ID = uuid.NewString()
	p.CreatedAt = g.now().UTC()

	reasoning := p.Reasoning
	if reasoning == "" {
		reasoning = fmt.Sprintf("Execution plan with %d phases", len(p.Phases))
	}
	if err := record(ctx, model.ExecutionPlanCreated{Plan: *p}, reasoning); err != nil {
		return model.ExecutionPlan{}, err
	}
	return *p, nil
}

// fromPlanner runs the planner call, validation and worker correction. A nil
// plan with a cause means the fallback plan is needed.
func (g *Generator) fromPlanner(ctx context.Context, req Request, snap capability.Snapshot, record RecordFunc) (*model.ExecutionPlan, string, error) {
	pc := planner.PromptContext{
		ContextID:    req.ContextID,
		TemplateID:   req.TemplateID,
		Title:        req.Metadata.Title,
		Description:  req.Metadata.Description,
		Goals:        req.Metadata.Goals.Descriptions(),
		Data:         req.Data,
		Capabilities: snap.Describe(),
	}

	raw, attempts, err := resilience.Retry(ctx, g.retry, func(ctx context.Context) (json.RawMessage, error) {
		raw, err := g.planner.GeneratePlan(ctx, pc)
		if errors.Is(err, planner.ErrDisabled) {
			return nil, resilience.Permanent(err)
		}
		return raw, err
	})
	if err != nil {
		cause := fmt.Sprintf("planner call failed after %d attempts: %v", attempts, err)
		if rerr := record(ctx, model.PlanGenerationAttempted{
			Stage:    model.StagePlannerCall,
			Attempts: attempts,
			Detail:   err.Error(),
		}, "The planner did not produce a plan"); rerr != nil {
			return nil, "", rerr
		}
		g.logger.Warn("planner call failed", "task", req.ContextID, "attempts", attempts, "error", err)
		return nil, cause, nil
	}
	if err := record(ctx, model.PlanGenerationAttempted{
		Stage:     model.StagePlannerCall,
		Succeeded: true,
		Attempts:  attempts,
	}, "The planner proposed a plan"); err != nil {
		return nil, "", err
	}

	p, err := Parse(raw)
	if err != nil {
		if rerr := record(ctx, model.PlanGenerationAttempted{
			Stage:  model.StageValidation,
			Detail: err.Error(),
		}, "The proposed plan failed validation"); rerr != nil {
			return nil, "", rerr
		}
		g.logger.Warn("planner answer rejected", "task", req.ContextID, "error", err)
		return nil, "proposed plan is invalid: " + err.Error(), nil
	}
	if err := record(ctx, model.PlanGenerationAttempted{
		Stage:     model.StageValidation,
		Succeeded: true,
		Detail:    fmt.Sprintf("%d phases", len(p.Phases)),
	}, "The proposed plan has a valid shape"); err != nil {
		return nil, "", err
	}

	corrections, err := correctWorkers(&p, snap, g.aliases)
	for _, c := range corrections {
		if c.Accepted {
			g.logger.Warn("corrected worker reference", "task", req.ContextID, "phase", c.Phase, "from", c.From, "to", c.To, "method", c.Method)
		}
	}
	if err != nil {
		if rerr := record(ctx, model.PlanGenerationAttempted{
			Stage:       model.StageWorkerCorrection,
			Detail:      err.Error(),
			Corrections: corrections,
		}, "Some worker references could not be corrected"); rerr != nil {
			return nil, "", rerr
		}
		return nil, err.Error(), nil
	}
	detail := "all worker references are known"
	if len(corrections) > 0 {
		detail = fmt.Sprintf("%d worker references corrected", len(corrections))
	}
	if err := record(ctx, model.PlanGenerationAttempted{
		Stage:       model.StageWorkerCorrection,
		Succeeded:   true,
		Detail:      detail,
		Corrections: corrections,
	}, "Worker references checked against the capability directory"); err != nil {
		return nil, "", err
	}

	p.Metadata = model.PlanMetadata{Source: SourcePlanner, Corrections: corrections}
	return &p, "", nil
}
