// Package planner is the language-model collaborator of the engine. It turns
// a task description into a candidate plan, suggests an order for pending
// user-input requests and writes free-text guidance. Every answer is
// best-effort and must be validated by the caller.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskflow/internal/model"
)

// ErrDisabled is returned by the disabled planner.
var ErrDisabled = errors.New("planner disabled")

// PromptContext is what a planner knows about a task.
type PromptContext struct {
	ContextID   string
	TemplateID  string
	Title       string
	Description string
	Goals       []string
	Data        map[string]any
	// Capabilities is the rendered capability snapshot.
	Capabilities string
	// Cause explains why guidance is requested.
	Cause string
}

// Planner is the external planning collaborator.
type Planner interface {
	// GeneratePlan returns a JSON document {reasoning, phases}.
	GeneratePlan(ctx context.Context, pc PromptContext) (json.RawMessage, error)
	// OptimizeOrdering returns request ids in the suggested delivery order.
	OptimizeOrdering(ctx context.Context, requests []model.UIRequest) ([]string, error)
	// Guidance returns step-by-step instructions for finishing a task manually.
	Guidance(ctx context.Context, pc PromptContext) (string, error)
}

// Disabled is a planner that always fails. Plan generation then falls back
// to the static manual-guidance plan.
type Disabled struct{}

func (Disabled) GeneratePlan(context.Context, PromptContext) (json.RawMessage, error) {
	return nil, ErrDisabled
}

func (Disabled) OptimizeOrdering(context.Context, []model.UIRequest) ([]string, error) {
	return nil, ErrDisabled
}

func (Disabled) Guidance(context.Context, PromptContext) (string, error) {
	return "", ErrDisabled
}

// ExtractJSON returns the first complete JSON object or array in text.
// Model answers often wrap the document in prose or code fences.
func ExtractJSON(text string) (json.RawMessage, error) {
	data := []byte(text)
	start := bytes.IndexAny(data, "{[")
	for start >= 0 {
		dec := json.NewDecoder(bytes.NewReader(data[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, nil
		}
		next := bytes.IndexAny(data[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, fmt.Errorf("no JSON document in planner answer")
}
