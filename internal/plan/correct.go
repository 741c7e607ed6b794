package plan

import (
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
)

const (
	correctionAlias  = "alias"
	correctionSkills = "skills"
	correctionNone   = "none"
)

// correctWorkers remaps worker references missing from snap, in place.
// Unknown ids go through the alias table first, then to the first available
// worker sharing a skill with the subtask. It returns every correction made
// and an error wrapping model.ErrInvalidWorkerReference when a reference
// could not be corrected.
func correctWorkers(p *model.ExecutionPlan, snap capability.Snapshot, aliases map[string]string) ([]model.WorkerCorrection, error) {
	var corrections []model.WorkerCorrection
	var unresolved []string

	for pi := range p.Phases {
		phase := &p.Phases[pi]
		for si := range phase.Subtasks {
			st := &phase.Subtasks[si]
			if snap.Has(st.AssignedWorkerID) {
				continue
			}

			c := model.WorkerCorrection{
				Phase:   phase.Name,
				Subtask: si,
				From:    st.AssignedWorkerID,
				Method:  correctionNone,
			}
			if to, ok := lookupAlias(aliases, st.AssignedWorkerID); ok && snap.Has(to) {
				c.To, c.Method, c.Accepted = to, correctionAlias, true
			} else if alt, _, ok := snap.FirstAvailableWithSkills(skillHints(*st)); ok {
				c.To, c.Method, c.Accepted = alt.WorkerID, correctionSkills, true
			}

			corrections = append(corrections, c)
			if !c.Accepted {
				unresolved = append(unresolved, fmt.Sprintf("%s/%s", phase.Name, c.From))
				continue
			}
			st.AssignedWorkerID = c.To
		}
	}

	if len(unresolved) > 0 {
		return corrections, fmt.Errorf("%w: no replacement for %s", model.ErrInvalidWorkerReference, strings.Join(unresolved, ", "))
	}
	return corrections, nil
}

func lookupAlias(aliases map[string]string, id string) (string, bool) {
	if to, ok := aliases[id]; ok {
		return to, true
	}
	to, ok := aliases[strings.ToLower(id)]
	return to, ok
}

// skillHints returns the skills a subtask needs: the declared ones plus the
// words of the worker id the planner invented ("crm_agent" hints at "crm").
func skillHints(st model.Subtask) []string {
	hints := append([]string(nil), st.RequiredSkills...)
	words := strings.FieldsFunc(strings.ToLower(st.AssignedWorkerID), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' ' || r == '/'
	})
	for _, w := range words {
		if w != "" && w != "agent" && w != "worker" {
			hints = append(hints, w)
		}
	}
	return hints
}

// unknownWorkers returns the plan's worker ids missing from snap.
func unknownWorkers(p model.ExecutionPlan, snap capability.Snapshot) []string {
	var missing []string
	for _, id := range p.WorkerIDs() {
		if !snap.Has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}
