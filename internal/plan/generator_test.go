package plan

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlanner struct {
	planner.Disabled
	mu      sync.Mutex
	answers []any // json string or error, consumed in order
	calls   int
}

func (s *stubPlanner) GeneratePlan(ctx context.Context, pc planner.PromptContext) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.answers) {
		i = len(s.answers) - 1
	}
	switch v := s.answers[i].(type) {
	case error:
		return nil, v
	default:
		return json.RawMessage(v.(string)), nil
	}
}

type recorder struct {
	entries []model.Payload
	failOn  model.Operation
}

func (r *recorder) record(ctx context.Context, p model.Payload, reasoning string) error {
	if reasoning == "" {
		return errors.New("empty reasoning")
	}
	if p.Operation() == r.failOn {
		return model.ErrPersistenceAppendFailed
	}
	r.entries = append(r.entries, p)
	return nil
}

func (r *recorder) stages() []model.PlanStage {
	var out []model.PlanStage
	for _, p := range r.entries {
		if a, ok := p.(model.PlanGenerationAttempted); ok {
			out = append(out, a.Stage)
		}
	}
	return out
}

func (r *recorder) created(t *testing.T) model.ExecutionPlan {
	t.Helper()
	require.NotEmpty(t, r.entries)
	last, ok := r.entries[len(r.entries)-1].(model.ExecutionPlanCreated)
	require.True(t, ok, "last entry must be execution_plan_created")
	return last.Plan
}

var fastRetry = resilience.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3}

func snapshot() capability.Snapshot {
	return capability.Snapshot{
		"crm":     {WorkerID: "crm", Skills: []string{"crm", "lookup"}, Availability: model.AvailabilityAvailable},
		"mailer":  {WorkerID: "mailer", Skills: []string{"email"}, Availability: model.AvailabilityAvailable},
		"offline": {WorkerID: "offline", Skills: []string{"archive"}, Availability: model.AvailabilityOffline},
	}
}

func request() Request {
	return Request{
		ContextID:  "ctx-1",
		TemplateID: "onboarding",
		Metadata: model.TaskMetadata{
			Description: "Onboard ACME",
			Goals:       model.UnstructuredGoals("account exists", "welcome mail sent"),
		},
	}
}

const validPlan = `{
  "reasoning": "collect then notify",
  "phases": [
    {"name": "notify", "dependencies": ["collect"], "subtasks": [
      {"description": "send welcome mail", "assignedWorkerId": "mailer", "instruction": "mail ACME"}
    ]},
    {"name": "collect", "parallelExecution": true, "subtasks": [
      {"id": "lookup", "description": "find customer", "assignedWorkerId": "crm", "instruction": "look up ACME", "successCriteria": "customer id known"},
      {"description": "find contact", "workerId": "crm", "instruction": "find contact", "expectedOutput": {"contact": "string"}}
    ]}
  ]
}`

func TestCreatePlan_ValidPlannerAnswer(t *testing.T) {
	sp := &stubPlanner{answers: []any{validPlan}}
	g := NewGenerator(Config{Planner: sp, Retry: fastRetry})
	rec := &recorder{}

	p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Metadata.IsFallback)
	assert.Equal(t, SourcePlanner, p.Metadata.Source)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, "collect", p.Phases[0].Name, "dependencies decide the order")
	assert.True(t, p.Phases[0].ParallelExecution)
	assert.Equal(t, "lookup", p.Phases[0].Subtasks[0].ID)
	assert.Equal(t, "collect-2", p.Phases[0].Subtasks[1].ID)
	assert.Equal(t, []string{"customer id known"}, p.Phases[0].Subtasks[0].SuccessCriteria)
	assert.JSONEq(t, `{"contact":"string"}`, p.Phases[0].Subtasks[1].ExpectedOutput)

	assert.Equal(t, []model.PlanStage{model.StagePlannerCall, model.StageValidation, model.StageWorkerCorrection}, rec.stages())
	assert.Equal(t, p.ID, rec.created(t).ID)
}

func TestCreatePlan_RetriesPlannerCall(t *testing.T) {
	sp := &stubPlanner{answers: []any{errors.New("rate limited"), validPlan}}
	g := NewGenerator(Config{Planner: sp, Retry: fastRetry})
	rec := &recorder{}

	_, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)
	assert.Equal(t, 2, sp.calls)
	first := rec.entries[0].(model.PlanGenerationAttempted)
	assert.True(t, first.Succeeded)
	assert.Equal(t, 2, first.Attempts)
}

func TestCreatePlan_PlannerFailureUsesFallback(t *testing.T) {
	sp := &stubPlanner{answers: []any{errors.New("planner down")}}
	g := NewGenerator(Config{Planner: sp, Retry: fastRetry})
	rec := &recorder{}

	p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)

	assert.Equal(t, 3, sp.calls, "retries are bounded")
	assert.True(t, p.Metadata.IsFallback)
	require.Len(t, p.Phases, 1)
	assert.Equal(t, FallbackPhase, p.Phases[0].Name)
	assert.Equal(t, "crm", p.Phases[0].Subtasks[0].AssignedWorkerID, "first available worker by id")
	assert.Contains(t, p.Phases[0].Subtasks[0].Instruction, "Onboard ACME")
	assert.Equal(t, []string{"account exists", "welcome mail sent"}, p.Phases[0].Subtasks[0].SuccessCriteria)

	assert.Equal(t, []model.PlanStage{model.StagePlannerCall, model.StageFallback}, rec.stages())
	assert.True(t, rec.created(t).Metadata.IsFallback)

	raw, err := model.EncodePayload(rec.entries[len(rec.entries)-1])
	require.NoError(t, err)
	var doc struct {
		Plan struct {
			Metadata map[string]any `json:"metadata"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, true, doc.Plan.Metadata["isFallback"])
}

func TestCreatePlan_DisabledPlannerIsNotRetried(t *testing.T) {
	g := NewGenerator(Config{Retry: fastRetry})
	rec := &recorder{}

	p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)
	assert.True(t, p.Metadata.IsFallback)
	assert.Equal(t, 1, rec.entries[0].(model.PlanGenerationAttempted).Attempts)
}

func TestCreatePlan_InvalidShapeUsesFallback(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"not an object", `["a"]`},
		{"no phases", `{"reasoning":"x","phases":[]}`},
		{"empty phase", `{"phases":[{"name":"a","subtasks":[]}]}`},
		{"no worker", `{"phases":[{"name":"a","subtasks":[{"instruction":"x"}]}]}`},
		{"cycle", `{"phases":[{"name":"a","dependencies":["b"],"subtasks":[{"assignedWorkerId":"crm","instruction":"x"}]},{"name":"b","dependencies":["a"],"subtasks":[{"assignedWorkerId":"crm","instruction":"x"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(Config{Planner: &stubPlanner{answers: []any{tt.answer}}, Retry: fastRetry})
			rec := &recorder{}

			p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
			require.NoError(t, err)
			assert.True(t, p.Metadata.IsFallback)
			assert.Equal(t, []model.PlanStage{model.StagePlannerCall, model.StageValidation, model.StageFallback}, rec.stages())
			assert.False(t, rec.entries[1].(model.PlanGenerationAttempted).Succeeded)
		})
	}
}

func TestCreatePlan_CorrectsWorkerReferences(t *testing.T) {
	answer := `{"reasoning":"r","phases":[{"name":"a","subtasks":[
	  {"assignedWorkerId":"CustomerDB","instruction":"x"},
	  {"assignedWorkerId":"email_agent","instruction":"y"},
	  {"assignedWorkerId":"ghost","instruction":"z","requiredSkills":["lookup"]}
	]}]}`
	g := NewGenerator(Config{
		Planner: &stubPlanner{answers: []any{answer}},
		Aliases: map[string]string{"customerdb": "crm"},
		Retry:   fastRetry,
	})
	rec := &recorder{}

	p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)
	assert.False(t, p.Metadata.IsFallback)

	sts := p.Phases[0].Subtasks
	assert.Equal(t, "crm", sts[0].AssignedWorkerID)
	assert.Equal(t, "mailer", sts[1].AssignedWorkerID)
	assert.Equal(t, "crm", sts[2].AssignedWorkerID)

	require.Len(t, p.Metadata.Corrections, 3)
	assert.Equal(t, "alias", p.Metadata.Corrections[0].Method)
	assert.Equal(t, "skills", p.Metadata.Corrections[1].Method)
	assert.Equal(t, "skills", p.Metadata.Corrections[2].Method)
}

func TestCreatePlan_UncorrectableReferenceUsesFallback(t *testing.T) {
	answer := `{"phases":[{"name":"a","subtasks":[{"assignedWorkerId":"ghost","instruction":"x"}]}]}`
	g := NewGenerator(Config{Planner: &stubPlanner{answers: []any{answer}}, Retry: fastRetry})
	rec := &recorder{}

	p, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	require.NoError(t, err)
	assert.True(t, p.Metadata.IsFallback)

	correction := rec.entries[2].(model.PlanGenerationAttempted)
	assert.Equal(t, model.StageWorkerCorrection, correction.Stage)
	assert.False(t, correction.Succeeded)
	require.Len(t, correction.Corrections, 1)
	assert.False(t, correction.Corrections[0].Accepted)
}

func TestCreatePlan_NeverReferencesUnknownWorkers(t *testing.T) {
	answers := []string{validPlan, `{"phases":[{"name":"a","subtasks":[{"assignedWorkerId":"mail-agent","instruction":"x"}]}]}`, `garbage`}
	for _, answer := range answers {
		g := NewGenerator(Config{Planner: &stubPlanner{answers: []any{answer}}, Retry: fastRetry})
		snap := snapshot()
		p, err := g.CreatePlan(context.Background(), request(), snap, (&recorder{}).record)
		require.NoError(t, err)
		for _, id := range p.WorkerIDs() {
			assert.True(t, snap.Has(id), "plan references %s", id)
		}
	}
}

func TestCreatePlan_EmptyDirectoryFails(t *testing.T) {
	g := NewGenerator(Config{Retry: fastRetry})
	rec := &recorder{}

	_, err := g.CreatePlan(context.Background(), request(), capability.Snapshot{}, rec.record)
	assert.ErrorIs(t, err, model.ErrPlanGenerationFailed)
	assert.Equal(t, []model.PlanStage{model.StagePlannerCall, model.StageFallback}, rec.stages())
}

func TestCreatePlan_FallbackPrefersAvailableWorker(t *testing.T) {
	g := NewGenerator(Config{Retry: fastRetry})
	snap := capability.Snapshot{
		"a": {WorkerID: "a", Availability: model.AvailabilityOffline},
		"b": {WorkerID: "b", Availability: model.AvailabilityAvailable},
	}
	p, err := g.CreatePlan(context.Background(), request(), snap, (&recorder{}).record)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Phases[0].Subtasks[0].AssignedWorkerID)

	snap["b"] = model.AgentCapability{WorkerID: "b", Availability: model.AvailabilityBusy}
	p, err = g.CreatePlan(context.Background(), request(), snap, (&recorder{}).record)
	require.NoError(t, err)
	assert.Equal(t, "a", p.Phases[0].Subtasks[0].AssignedWorkerID, "no available worker: first known one")
}

func TestCreatePlan_RecordFailureAborts(t *testing.T) {
	g := NewGenerator(Config{Planner: &stubPlanner{answers: []any{validPlan}}, Retry: fastRetry})
	rec := &recorder{failOn: model.OpExecutionPlanCreated}

	_, err := g.CreatePlan(context.Background(), request(), snapshot(), rec.record)
	assert.ErrorIs(t, err, model.ErrPersistenceAppendFailed)
}
