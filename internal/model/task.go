// Package model holds the data types shared by every taskflow component:
// task contexts, context entries and their payloads, execution plans,
// capabilities, user-input requests and the computed state projection.
package model

import "time"

// TaskStatus is the lifecycle status of a task, always derived from history.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusInProgress      TaskStatus = "in_progress"
	StatusWaitingForInput TaskStatus = "waiting_for_input"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
)

// Terminal reports whether no further orchestration happens for the status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InitialPhase is the phase name of a task that has not been planned yet.
const InitialPhase = "initialization"

// TaskContext is the aggregate root for one unit of orchestrated work.
// CurrentState is a projection of History and is never authoritative.
type TaskContext struct {
	ContextID    string         `json:"contextId"`
	TemplateID   string         `json:"templateId"`
	TenantID     string         `json:"tenantId"`
	Metadata     TaskMetadata   `json:"metadata"`
	History      []ContextEntry `json:"history,omitempty"`
	CurrentState ComputedState  `json:"currentState"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// TaskMetadata is the task-definition payload supplied at creation. It is
// immutable after the task_created entry is written.
type TaskMetadata struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Goals       Goals          `json:"goals,omitzero"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}
