package model

import (
	"fmt"
	"time"
)

// ExecutionPlan is the ordered set of phases produced for a task. A recorded
// plan is never mutated; re-planning records a new plan.
type ExecutionPlan struct {
	ID        string       `json:"id"`
	Reasoning string       `json:"reasoning"`
	Phases    []Phase      `json:"phases"`
	Metadata  PlanMetadata `json:"metadata"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PlanMetadata describes how a plan came to exist.
type PlanMetadata struct {
	IsFallback  bool               `json:"isFallback"`
	Source      string             `json:"source"`
	Corrections []WorkerCorrection `json:"corrections,omitempty"`
}

// Phase groups subtasks that run together.
type Phase struct {
	Name              string    `json:"name"`
	Subtasks          []Subtask `json:"subtasks"`
	ParallelExecution bool      `json:"parallelExecution"`
	Dependencies      []string  `json:"dependencies,omitempty"`
}

// Subtask is one unit of work bound to a worker.
type Subtask struct {
	ID               string         `json:"id"`
	Description      string         `json:"description"`
	AssignedWorkerID string         `json:"assignedWorkerId"`
	Instruction      string         `json:"instruction"`
	InputData        map[string]any `json:"inputData,omitempty"`
	ExpectedOutput   string         `json:"expectedOutput,omitempty"`
	SuccessCriteria  []string       `json:"successCriteria,omitempty"`
	RequiredSkills   []string       `json:"requiredSkills,omitempty"`
}

// Phase returns the phase with the given name.
func (p *ExecutionPlan) Phase(name string) (Phase, int, bool) {
	for i, phase := range p.Phases {
		if phase.Name == name {
			return phase, i, true
		}
	}
	return Phase{}, -1, false
}

// WorkerIDs returns every worker id referenced by the plan.
func (p *ExecutionPlan) WorkerIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, phase := range p.Phases {
		for _, st := range phase.Subtasks {
			if !seen[st.AssignedWorkerID] {
				seen[st.AssignedWorkerID] = true
				ids = append(ids, st.AssignedWorkerID)
			}
		}
	}
	return ids
}

// SubtaskKey identifies a subtask inside a plan.
func SubtaskKey(phase string, index int) string {
	return fmt.Sprintf("%s#%d", phase, index)
}
