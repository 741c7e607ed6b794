package model

import "time"

// SubtaskStatus is the outcome of one subtask.
type SubtaskStatus string

const (
	SubtaskCompletedStatus SubtaskStatus = "completed"
	SubtaskNeedsInput      SubtaskStatus = "needs_input"
	SubtaskFailedStatus    SubtaskStatus = "failed"
	SubtaskDelegatedStatus SubtaskStatus = "delegated"
)

// Finished reports whether the subtask needs no further dispatch.
func (s SubtaskStatus) Finished() bool {
	return s == SubtaskCompletedStatus || s == SubtaskDelegatedStatus
}

// SubtaskResult is what the scheduler collects for one subtask.
type SubtaskResult struct {
	SubtaskID  string         `json:"subtaskId"`
	Index      int            `json:"index"`
	WorkerID   string         `json:"workerId"`
	Status     SubtaskStatus  `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	UIRequests []UIRequest    `json:"uiRequests,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	CanProceed bool           `json:"canProceed"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Substitute string         `json:"substitute,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
}

// PhaseStatus is the aggregate outcome of a phase.
type PhaseStatus string

const (
	PhaseCompletedStatus PhaseStatus = "completed"
	PhaseNeedsInput      PhaseStatus = "needs_input"
	PhaseFailedStatus    PhaseStatus = "failed"
)

// PhaseResult is the outcome of executing a phase.
type PhaseResult struct {
	Phase      string          `json:"phase"`
	Status     PhaseStatus     `json:"status"`
	Results    []SubtaskResult `json:"results"`
	UIRequests []UIRequest     `json:"uiRequests,omitempty"`
	OutputData map[string]any  `json:"outputData,omitempty"`
	Duration   time.Duration   `json:"duration"`
}
