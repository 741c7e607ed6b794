package plan

import (
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
)

// FallbackPhase is the name of the single phase of the fallback plan.
const FallbackPhase = "manual_guidance"

// fallbackPlan builds the static single-phase plan used when planning fails.
// Its one subtask goes to the first available worker, or to the first known
// worker when none is available so resilience strategies apply at dispatch.
func fallbackPlan(req Request, snap capability.Snapshot, cause string) (model.ExecutionPlan, error) {
	c, ok := snap.FirstAvailable()
	if !ok {
		ids := snap.IDs()
		if len(ids) == 0 {
			return model.ExecutionPlan{}, fmt.Errorf("%w: capability directory is empty", model.ErrPlanGenerationFailed)
		}
		c = snap[ids[0]]
	}

	goals := req.Metadata.Goals.Descriptions()
	var instruction strings.Builder
	instruction.WriteString("Automatic planning was not possible. Guide the task to completion step by step")
	if req.Metadata.Description != "" {
		fmt.Fprintf(&instruction, ": %s", req.Metadata.Description)
	}
	instruction.WriteString(".")
	if len(goals) > 0 {
		fmt.Fprintf(&instruction, " Goals: %s.", strings.Join(goals, "; "))
	}

	return model.ExecutionPlan{
		Reasoning: fmt.Sprintf("Fallback plan: %s", cause),
		Phases: []model.Phase{{
			Name: FallbackPhase,
			Subtasks: []model.Subtask{{
				ID:               FallbackPhase + "-1",
				Description:      "Provide manual guidance for the task",
				AssignedWorkerID: c.WorkerID,
				Instruction:      instruction.String(),
				InputData:        model.CloneData(req.Data),
				ExpectedOutput:   "Step-by-step guidance or the collected task data",
				SuccessCriteria:  goals,
			}},
		}},
		Metadata: model.PlanMetadata{
			IsFallback: true,
			Source:     SourceFallback,
		},
	}, nil
}
