// Package state derives a task's computed state by replaying its history.
// Everything here is pure: no I/O, no clocks, no randomness.
package state

import (
	"sort"

	"github.com/aristath/taskflow/internal/model"
)

// Computer replays histories. RequiredPaths maps a template id to the data
// paths whose presence drives completeness; templates without an entry fall
// back to phase progress.
type Computer struct {
	requiredPaths map[string][]string
}

// NewComputer creates a Computer with per-template required data paths.
func NewComputer(requiredPaths map[string][]string) *Computer {
	paths := make(map[string][]string, len(requiredPaths))
	for k, v := range requiredPaths {
		paths[k] = append([]string(nil), v...)
	}
	return &Computer{requiredPaths: paths}
}

// RequiredPaths returns the required data paths of a template.
func (c *Computer) RequiredPaths(templateID string) []string {
	if c == nil {
		return nil
	}
	return c.requiredPaths[templateID]
}

// Compute replays the whole history.
func (c *Computer) Compute(history []model.ContextEntry) model.ComputedState {
	return c.ComputeAtSequence(history, -1)
}

// ComputeAtSequence replays entries with sequence number <= n. A negative n
// replays everything.
func (c *Computer) ComputeAtSequence(history []model.ContextEntry, n int) model.ComputedState {
	entries := make([]model.ContextEntry, 0, len(history))
	for _, e := range history {
		if n >= 0 && e.SequenceNumber > n {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})

	r := newReplay()
	for _, e := range entries {
		r.apply(e)
	}
	r.st.Completeness = c.completeness(r.st)
	return r.st
}

// Compute replays history without template-specific required paths.
func Compute(history []model.ContextEntry) model.ComputedState {
	return NewComputer(nil).Compute(history)
}

// ComputeAtSequence replays the first n entries of history without
// template-specific required paths.
func ComputeAtSequence(history []model.ContextEntry, n int) model.ComputedState {
	return NewComputer(nil).ComputeAtSequence(history, n)
}

// Initial is the state of a task with no history.
func Initial() model.ComputedState {
	return model.ComputedState{
		Status: model.StatusPending,
		Phase:  model.InitialPhase,
		Data:   map[string]any{},
	}
}

func (c *Computer) completeness(st model.ComputedState) int {
	if st.Status == model.StatusCompleted {
		return 100
	}

	if paths := c.RequiredPaths(st.TemplateID); len(paths) > 0 {
		present := 0
		for _, p := range paths {
			if v, ok := model.LookupPath(st.Data, p); ok && !model.IsEmptyValue(v) {
				present++
			}
		}
		return present * 100 / len(paths)
	}

	if st.Plan == nil || len(st.Plan.Phases) == 0 {
		return 0
	}
	done := 0
	for _, p := range st.Plan.Phases {
		if st.PhaseCompleted(p.Name) {
			done++
		}
	}
	return done * 100 / len(st.Plan.Phases)
}
