package model

import "time"

// UIRequestType tells the presentation layer how to render a request.
type UIRequestType string

const (
	RequestForm        UIRequestType = "form"
	RequestGuidance    UIRequestType = "guidance"
	RequestInstruction UIRequestType = "instruction"
)

// UIField is one input the user is asked for.
type UIField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// UIRequest asks the user for input the automation could not supply.
type UIRequest struct {
	ID          string        `json:"id"`
	ContextID   string        `json:"contextId"`
	Type        UIRequestType `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Reason      string        `json:"reason,omitempty"`
	Fields      []UIField     `json:"fields,omitempty"`
	Phase       string        `json:"phase,omitempty"`
	SubtaskID   string        `json:"subtaskId,omitempty"`
	WorkerID    string        `json:"workerId,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	// Fallback marks a request the engine raised because automation could
	// not run the subtask. Its answer stands in for the subtask's output.
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
