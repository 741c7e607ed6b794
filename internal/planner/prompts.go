package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/model"
)

const planSystemPrompt = `You decompose business-process tasks into execution plans.
Answer with a single JSON object and nothing else:
{
  "reasoning": "why this plan",
  "phases": [
    {
      "name": "unique phase name",
      "parallelExecution": true,
      "dependencies": ["names of phases that must finish first"],
      "subtasks": [
        {
          "description": "what the subtask achieves",
          "assignedWorkerId": "a worker id from the list",
          "instruction": "exact instruction for the worker",
          "inputData": {},
          "expectedOutput": "what the worker returns",
          "successCriteria": ["how to tell it worked"],
          "requiredSkills": ["skills the subtask needs"]
        }
      ]
    }
  ]
}
Only assign workers from the list you are given.`

const orderingSystemPrompt = `You order requests for user input so the user is interrupted as little as possible.
Related requests go together and prerequisites come first.
Answer with a JSON array of request ids and nothing else.`

const guidanceSystemPrompt = `Automation could not finish a business-process task.
Write short numbered steps a person can follow to finish it by hand.`

func planPrompt(pc PromptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (template %s)\n", pc.ContextID, pc.TemplateID)
	if pc.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", pc.Title)
	}
	if pc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", pc.Description)
	}
	writeGoals(&b, pc.Goals)
	writeData(&b, pc.Data)
	b.WriteString("\nAvailable workers:\n")
	b.WriteString(pc.Capabilities)
	return b.String()
}

func orderingPrompt(requests []model.UIRequest) string {
	var b strings.Builder
	b.WriteString("Requests:\n")
	for _, r := range requests {
		fmt.Fprintf(&b, "- id=%s phase=%s title=%q description=%q\n", r.ID, r.Phase, r.Title, r.Description)
	}
	return b.String()
}

func guidancePrompt(pc PromptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (template %s)\n", pc.ContextID, pc.TemplateID)
	if pc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", pc.Description)
	}
	if pc.Cause != "" {
		fmt.Fprintf(&b, "What went wrong: %s\n", pc.Cause)
	}
	writeGoals(&b, pc.Goals)
	writeData(&b, pc.Data)
	return b.String()
}

func writeGoals(b *strings.Builder, goals []string) {
	if len(goals) == 0 {
		return
	}
	b.WriteString("Goals:\n")
	for _, g := range goals {
		fmt.Fprintf(b, "- %s\n", g)
	}
}

func writeData(b *strings.Builder, data map[string]any) {
	if len(data) == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(b, "Known data: %s\n", raw)
}
