package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Goal is one declared objective of a task. Unstructured goal lists carry only
// a Description per goal.
type Goal struct {
	ID          string         `json:"id,omitempty"`
	Description string         `json:"description"`
	Required    bool           `json:"required,omitempty"`
	Criterion   *GoalCriterion `json:"criterion,omitempty"`
}

// GoalCriterion is satisfied when the data path is present and non-empty in
// the computed state, and equal to Equals when Equals is set.
type GoalCriterion struct {
	Path   string `json:"path"`
	Equals any    `json:"equals,omitempty"`
}

// Goals is either a plain list of strings or a list of structured goals.
// Both JSON shapes are accepted; Structured records which one was supplied.
type Goals struct {
	Items      []Goal
	Structured bool
}

// UnstructuredGoals builds a goal list from plain descriptions.
func UnstructuredGoals(descriptions ...string) Goals {
	items := make([]Goal, 0, len(descriptions))
	for _, d := range descriptions {
		items = append(items, Goal{Description: d})
	}
	return Goals{Items: items}
}

// StructuredGoals builds a structured goal list.
func StructuredGoals(goals ...Goal) Goals {
	return Goals{Items: goals, Structured: true}
}

// Descriptions returns the goal descriptions in declared order.
func (g Goals) Descriptions() []string {
	out := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		out = append(out, item.Description)
	}
	return out
}

// IsZero lets encoding/json omit empty goal lists.
func (g Goals) IsZero() bool {
	return len(g.Items) == 0
}

func (g Goals) MarshalJSON() ([]byte, error) {
	if !g.Structured {
		return json.Marshal(g.Descriptions())
	}
	if g.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(g.Items)
}

func (g *Goals) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*g = Goals{}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("goals must be a list: %w", err)
	}

	out := Goals{Items: make([]Goal, 0, len(raw))}
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return fmt.Errorf("goal %d: %w", i, err)
			}
			out.Items = append(out.Items, Goal{Description: s})
			continue
		}
		var goal Goal
		if err := json.Unmarshal(item, &goal); err != nil {
			return fmt.Errorf("goal %d: %w", i, err)
		}
		out.Structured = true
		out.Items = append(out.Items, goal)
	}
	*g = out
	return nil
}
