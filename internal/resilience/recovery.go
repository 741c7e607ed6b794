package resilience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/google/uuid"
)

// RecoveryRequest describes a task-level failure.
type RecoveryRequest struct {
	ContextID string
	Policy    model.FailurePolicy
	Cause     error
	Goals     []string
	// Prompt is handed to the planner by the guide policy.
	Prompt planner.PromptContext
	// GuidanceTimeout bounds the planner call of the guide policy (default 30s).
	GuidanceTimeout time.Duration
}

// Recovery is what the failure policy did.
type Recovery struct {
	// Policy is the policy that was applied. guide degrades to degrade when
	// the planner cannot help.
	Policy model.FailurePolicy
	// Failed is true when the task reached the failed status.
	Failed bool
	// Request is the guidance request to deliver to the user, if any.
	Request *model.UIRequest
}

// Recover applies the task-level failure policy. degrade records manual
// step-by-step guidance built from the task's goals, guide asks the planner
// for free-text guidance, and fail records the terminal task_failed entry.
func (c *Controller) Recover(ctx context.Context, rr RecoveryRequest) (Recovery, error) {
	cause := "unknown failure"
	if rr.Cause != nil {
		cause = rr.Cause.Error()
	}

	switch rr.Policy {
	case model.PolicyFail:
		if err := c.record(ctx, rr.ContextID, model.TaskFailed{Reason: cause}, "Task failed and the failure policy is fail: "+cause); err != nil {
			return Recovery{}, err
		}
		return Recovery{Policy: model.PolicyFail, Failed: true}, nil

	case model.PolicyGuide:
		text, err := c.guidance(ctx, rr, cause)
		if err == nil {
			return c.provideGuidance(ctx, rr, model.GuidanceProvided{
				Policy:   model.PolicyGuide,
				Cause:    cause,
				Guidance: text,
			}, model.RequestInstruction)
		}
		c.logger.Warn("guidance unavailable, degrading to manual steps", "task", rr.ContextID, "error", err)
	}

	return c.provideGuidance(ctx, rr, model.GuidanceProvided{
		Policy: model.PolicyDegrade,
		Cause:  cause,
		Steps:  manualSteps(rr.Goals),
	}, model.RequestGuidance)
}

func (c *Controller) guidance(ctx context.Context, rr RecoveryRequest, cause string) (string, error) {
	timeout := rr.GuidanceTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc := rr.Prompt
	pc.Cause = cause
	if len(pc.Goals) == 0 {
		pc.Goals = rr.Goals
	}
	text, err := c.planner.Guidance(ctx, pc)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("planner returned empty guidance")
	}
	return text, nil
}

func (c *Controller) provideGuidance(ctx context.Context, rr RecoveryRequest, g model.GuidanceProvided, kind model.UIRequestType) (Recovery, error) {
	req := model.UIRequest{
		ID:          uuid.NewString(),
		ContextID:   rr.ContextID,
		Type:        kind,
		Title:       "Finish this task manually",
		Description: guidanceText(g),
		Reason:      g.Cause,
		CreatedAt:   c.now().UTC(),
	}
	g.RequestID = req.ID

	if err := c.record(ctx, rr.ContextID, g, fmt.Sprintf("Automation could not finish the task (%s); switching to %s guidance", g.Cause, g.Policy)); err != nil {
		return Recovery{}, err
	}
	return Recovery{Policy: g.Policy, Request: &req}, nil
}

// manualSteps turns the task's goals into a checklist.
func manualSteps(goals []string) []string {
	if len(goals) == 0 {
		return []string{"Review the task description and complete it by hand, then confirm here."}
	}
	steps := make([]string, 0, len(goals)+1)
	for _, g := range goals {
		steps = append(steps, "Make sure that: "+g)
	}
	return append(steps, "Confirm here once every step is done.")
}

func guidanceText(g model.GuidanceProvided) string {
	if g.Guidance != "" {
		return g.Guidance
	}
	var b strings.Builder
	for i, s := range g.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}
