package orchestrator

import (
	"bytes"
	"encoding/json"

	"github.com/aristath/taskflow/internal/model"
)

// goalsAchieved reports whether a task's primary goals are satisfied by its
// computed state, and returns the satisfied goal descriptions.
//
// Structured goals are checked against their criteria, and only the
// required ones count. A plain list of goals cannot be checked by itself;
// it counts as achieved only when the template declares required data
// paths and all of them are present.
func goalsAchieved(goals model.Goals, st model.ComputedState, requiredPaths []string) ([]string, bool) {
	if len(goals.Items) == 0 {
		return nil, false
	}

	if !goals.Structured {
		if len(requiredPaths) == 0 || st.Completeness < 100 {
			return nil, false
		}
		return goals.Descriptions(), true
	}

	var met []string
	for _, g := range goals.Items {
		if !g.Required {
			continue
		}
		if !criterionMet(g.Criterion, st.Data) {
			return nil, false
		}
		met = append(met, g.Description)
	}
	return met, len(met) > 0
}

func criterionMet(c *model.GoalCriterion, data map[string]any) bool {
	if c == nil {
		return false
	}
	v, ok := model.LookupPath(data, c.Path)
	if !ok || model.IsEmptyValue(v) {
		return false
	}
	if c.Equals == nil {
		return true
	}
	return sameJSON(v, c.Equals)
}

// sameJSON compares two values by their JSON encoding so that 3 and 3.0,
// or a typed slice and its []any form, compare equal.
func sameJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
