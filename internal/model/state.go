package model

import "time"

// ComputedState is the projection of a task's history. It is a cache only;
// replaying History always yields it again.
type ComputedState struct {
	Status           TaskStatus               `json:"status"`
	Phase            string                   `json:"phase"`
	Completeness     int                      `json:"completeness"`
	Data             map[string]any           `json:"data"`
	SequenceNumber   int                      `json:"sequenceNumber"`
	TemplateID       string                   `json:"templateId,omitempty"`
	Plan             *ExecutionPlan           `json:"plan,omitempty"`
	CompletedPhases  []string                 `json:"completedPhases,omitempty"`
	FinishedSubtasks map[string]SubtaskStatus `json:"finishedSubtasks,omitempty"`
	PendingRequests  []UIRequest              `json:"pendingRequests,omitempty"`
	ManualGuidance   bool                     `json:"manualGuidance,omitempty"`
	FailureReason    string                   `json:"failureReason,omitempty"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

// PhaseCompleted reports whether the named phase has a phase_completed entry.
func (s ComputedState) PhaseCompleted(name string) bool {
	for _, p := range s.CompletedPhases {
		if p == name {
			return true
		}
	}
	return false
}

// PendingRequest returns the outstanding request with the given id.
func (s ComputedState) PendingRequest(id string) (UIRequest, bool) {
	for _, r := range s.PendingRequests {
		if r.ID == id {
			return r, true
		}
	}
	return UIRequest{}, false
}

// SubtaskFinished reports whether a subtask completed or was deferred.
func (s ComputedState) SubtaskFinished(phase string, index int) bool {
	st, ok := s.FinishedSubtasks[SubtaskKey(phase, index)]
	return ok && st.Finished()
}
