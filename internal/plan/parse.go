package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/model"
)

// rawPlan is the document a planner answers with. Field aliases that
// planners commonly produce are accepted.
type rawPlan struct {
	Reasoning string     `json:"reasoning"`
	Phases    []rawPhase `json:"phases"`
}

type rawPhase struct {
	Name              string       `json:"name"`
	Subtasks          []rawSubtask `json:"subtasks"`
	ParallelExecution *bool        `json:"parallelExecution"`
	Parallel          *bool        `json:"parallel"`
	Dependencies      []string     `json:"dependencies"`
}

type rawSubtask struct {
	ID               string         `json:"id"`
	Description      string         `json:"description"`
	AssignedWorkerID string         `json:"assignedWorkerId"`
	WorkerID         string         `json:"workerId"`
	AgentID          string         `json:"agentId"`
	Instruction      string         `json:"instruction"`
	InputData        map[string]any `json:"inputData"`
	ExpectedOutput   any            `json:"expectedOutput"`
	SuccessCriteria  any            `json:"successCriteria"`
	RequiredSkills   []string       `json:"requiredSkills"`
}

// Parse validates a planner answer and converts it into an execution plan
// with phases in dependency order. Worker references are not checked here.
func Parse(raw json.RawMessage) (model.ExecutionPlan, error) {
	var doc rawPlan
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.ExecutionPlan{}, fmt.Errorf("plan is not a JSON object: %w", err)
	}
	if len(doc.Phases) == 0 {
		return model.ExecutionPlan{}, errors.New("plan has no phases")
	}

	phases := make([]model.Phase, 0, len(doc.Phases))
	for i, rp := range doc.Phases {
		name := strings.TrimSpace(rp.Name)
		if name == "" {
			return model.ExecutionPlan{}, fmt.Errorf("phase %d has no name", i)
		}
		if len(rp.Subtasks) == 0 {
			return model.ExecutionPlan{}, fmt.Errorf("phase %q has no subtasks", name)
		}

		phase := model.Phase{
			Name:         name,
			Dependencies: rp.Dependencies,
		}
		switch {
		case rp.ParallelExecution != nil:
			phase.ParallelExecution = *rp.ParallelExecution
		case rp.Parallel != nil:
			phase.ParallelExecution = *rp.Parallel
		}

		seen := make(map[string]bool, len(rp.Subtasks))
		for j, rs := range rp.Subtasks {
			st, err := rs.subtask(name, j)
			if err != nil {
				return model.ExecutionPlan{}, err
			}
			if seen[st.ID] {
				return model.ExecutionPlan{}, fmt.Errorf("phase %q: duplicate subtask id %q", name, st.ID)
			}
			seen[st.ID] = true
			phase.Subtasks = append(phase.Subtasks, st)
		}
		phases = append(phases, phase)
	}

	ordered, err := PhaseOrder(phases)
	if err != nil {
		return model.ExecutionPlan{}, err
	}
	return model.ExecutionPlan{
		Reasoning: strings.TrimSpace(doc.Reasoning),
		Phases:    ordered,
	}, nil
}

func (rs rawSubtask) subtask(phase string, index int) (model.Subtask, error) {
	workerID := firstNonEmpty(rs.AssignedWorkerID, rs.WorkerID, rs.AgentID)
	if workerID == "" {
		return model.Subtask{}, fmt.Errorf("phase %q subtask %d has no assigned worker", phase, index)
	}
	instruction := firstNonEmpty(rs.Instruction, rs.Description)
	if instruction == "" {
		return model.Subtask{}, fmt.Errorf("phase %q subtask %d has neither instruction nor description", phase, index)
	}
	id := strings.TrimSpace(rs.ID)
	if id == "" {
		id = fmt.Sprintf("%s-%d", phase, index+1)
	}
	return model.Subtask{
		ID:               id,
		Description:      firstNonEmpty(rs.Description, rs.Instruction),
		AssignedWorkerID: workerID,
		Instruction:      instruction,
		InputData:        rs.InputData,
		ExpectedOutput:   flattenText(rs.ExpectedOutput),
		SuccessCriteria:  textList(rs.SuccessCriteria),
		RequiredSkills:   rs.RequiredSkills,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// flattenText renders a free-form planner value as text.
func flattenText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// textList accepts a string or a list of values.
func textList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := flattenText(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{flattenText(t)}
	}
}
