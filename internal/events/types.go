package events

import (
	"encoding/json"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Notification is the change notification emitted for every appended
// context entry. EventType is the entry's operation, which is also the
// bus topic it is published on.
type Notification struct {
	Task      string          `json:"taskId"`
	Type      string          `json:"eventType"`
	Sequence  int             `json:"sequenceNumber"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (n Notification) EventType() string { return n.Type }
func (n Notification) TaskID() string    { return n.Task }

// Topics that consumers subscribe to explicitly.
const (
	TopicTaskCreated     = "task_created"
	TopicRequestsCreated = "ui_requests_created"
	TopicTaskCompleted   = "task_completed"
	TopicTaskFailed      = "task_failed"
)
