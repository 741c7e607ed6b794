package model

import (
	"encoding/json"
	"fmt"
)

// Operation tags what a context entry records.
type Operation string

const (
	OpTaskCreated             Operation = "task_created"
	OpPlanGenerationAttempted Operation = "plan_generation_attempted"
	OpExecutionPlanCreated    Operation = "execution_plan_created"
	OpPhaseStarted            Operation = "phase_started"
	OpSubtaskDelegated        Operation = "subtask_delegated"
	OpSubtaskCompleted        Operation = "subtask_completed"
	OpSubtaskFailed           Operation = "subtask_failed"
	OpWorkerSubstituted       Operation = "worker_substituted"
	OpUIRequestsCreated       Operation = "ui_requests_created"
	OpUIRequestsDelivered     Operation = "ui_requests_delivered"
	OpUserResponseReceived    Operation = "user_response_received"
	OpPhaseCompleted          Operation = "phase_completed"
	OpPhaseBlocked            Operation = "phase_blocked"
	OpPhaseFailed             Operation = "phase_failed"
	OpGoalsAchieved           Operation = "goals_achieved"
	OpGuidanceProvided        Operation = "guidance_provided"
	OpTaskRecovered           Operation = "task_recovered"
	OpTaskCompleted           Operation = "task_completed"
	OpTaskFailed              Operation = "task_failed"
)

// Payload is the closed set of entry payloads. Each payload type dispatches
// itself to the matching PayloadVisitor method, so adding a payload type
// forces every visitor to handle it.
type Payload interface {
	Operation() Operation
	Accept(v PayloadVisitor)
}

// PayloadVisitor handles every payload type.
type PayloadVisitor interface {
	VisitTaskCreated(TaskCreated)
	VisitPlanGenerationAttempted(PlanGenerationAttempted)
	VisitExecutionPlanCreated(ExecutionPlanCreated)
	VisitPhaseStarted(PhaseStarted)
	VisitSubtaskDelegated(SubtaskDelegated)
	VisitSubtaskCompleted(SubtaskCompleted)
	VisitSubtaskFailed(SubtaskFailed)
	VisitWorkerSubstituted(WorkerSubstituted)
	VisitUIRequestsCreated(UIRequestsCreated)
	VisitUIRequestsDelivered(UIRequestsDelivered)
	VisitUserResponseReceived(UserResponseReceived)
	VisitPhaseCompleted(PhaseCompleted)
	VisitPhaseBlocked(PhaseBlocked)
	VisitPhaseFailed(PhaseFailed)
	VisitGoalsAchieved(GoalsAchieved)
	VisitGuidanceProvided(GuidanceProvided)
	VisitTaskRecovered(TaskRecovered)
	VisitTaskCompleted(TaskCompleted)
	VisitTaskFailed(TaskFailed)
	VisitUnknown(UnknownPayload)
}

// TaskCreated opens a task's history.
type TaskCreated struct {
	TemplateID  string         `json:"templateId"`
	TenantID    string         `json:"tenantId"`
	Metadata    TaskMetadata   `json:"metadata"`
	InitialData map[string]any `json:"initialData,omitempty"`
}

// PlanStage names a step of plan generation.
type PlanStage string

const (
	StagePlannerCall      PlanStage = "planner_call"
	StageValidation       PlanStage = "validation"
	StageWorkerCorrection PlanStage = "worker_correction"
	StageFallback         PlanStage = "fallback"
)

// WorkerCorrection records the remapping of an invalid worker reference.
type WorkerCorrection struct {
	Phase    string `json:"phase"`
	Subtask  int    `json:"subtask"`
	From     string `json:"from"`
	To       string `json:"to"`
	Method   string `json:"method"`
	Accepted bool   `json:"accepted"`
}

// PlanGenerationAttempted audits one step of plan generation.
type PlanGenerationAttempted struct {
	Stage       PlanStage          `json:"stage"`
	Succeeded   bool               `json:"succeeded"`
	Attempts    int                `json:"attempts,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Corrections []WorkerCorrection `json:"corrections,omitempty"`
}

// ExecutionPlanCreated records the plan a task executes.
type ExecutionPlanCreated struct {
	Plan ExecutionPlan `json:"plan"`
}

// PhaseStarted records the start (or restart after input) of a phase.
type PhaseStarted struct {
	Phase   string `json:"phase"`
	Index   int    `json:"index"`
	Resumed bool   `json:"resumed,omitempty"`
}

// SubtaskDelegated records a dispatch attempt against a worker.
type SubtaskDelegated struct {
	Phase        string `json:"phase"`
	SubtaskIndex int    `json:"subtaskIndex"`
	SubtaskID    string `json:"subtaskId"`
	WorkerID     string `json:"workerId"`
	Attempt      int    `json:"attempt"`
}

// SubtaskCompleted records a finished subtask: completed by a worker or
// deferred so the phase can proceed without it.
type SubtaskCompleted struct {
	Phase        string         `json:"phase"`
	SubtaskIndex int            `json:"subtaskIndex"`
	SubtaskID    string         `json:"subtaskId"`
	WorkerID     string         `json:"workerId"`
	Status       SubtaskStatus  `json:"status"`
	OutputData   map[string]any `json:"outputData,omitempty"`
	DurationMS   int64          `json:"durationMs"`
	CanProceed   bool           `json:"canProceed"`
}

// SubtaskFailed records a failed or unavailable dispatch and the strategy
// applied to it.
type SubtaskFailed struct {
	Phase        string           `json:"phase"`
	SubtaskIndex int              `json:"subtaskIndex"`
	SubtaskID    string           `json:"subtaskId"`
	WorkerID     string           `json:"workerId"`
	Unavailable  bool             `json:"unavailable"`
	Error        string           `json:"error"`
	Strategy     FallbackStrategy `json:"strategy,omitempty"`
}

// WorkerSubstituted records a single-hop alternate worker substitution.
type WorkerSubstituted struct {
	Phase        string   `json:"phase"`
	SubtaskIndex int      `json:"subtaskIndex"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	SharedSkills []string `json:"sharedSkills"`
}

// UIRequestsCreated records user-input requests produced during a phase.
type UIRequestsCreated struct {
	Phase    string      `json:"phase,omitempty"`
	Requests []UIRequest `json:"requests"`
}

// UIRequestsDelivered records a batch released to the presentation layer.
type UIRequestsDelivered struct {
	BatchID    string   `json:"batchId"`
	RequestIDs []string `json:"requestIds"`
	Reordered  bool     `json:"reordered"`
	Forced     bool     `json:"forced"`
}

// UserResponseReceived records a user's answer to a request.
type UserResponseReceived struct {
	RequestID string         `json:"requestId"`
	Data      map[string]any `json:"data,omitempty"`
}

// PhaseCompleted records a phase whose subtasks all finished.
type PhaseCompleted struct {
	Phase string `json:"phase"`
	Index int    `json:"index"`
}

// PhaseBlocked records a phase waiting on user input.
type PhaseBlocked struct {
	Phase           string `json:"phase"`
	Index           int    `json:"index"`
	PendingRequests int    `json:"pendingRequests"`
}

// PhaseFailed records a phase with at least one failed subtask.
type PhaseFailed struct {
	Phase string `json:"phase"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

// GoalsAchieved records that the task's primary goals are satisfied.
type GoalsAchieved struct {
	Goals         []string `json:"goals"`
	SkippedPhases []string `json:"skippedPhases,omitempty"`
}

// FailurePolicy is the task-level recovery policy.
type FailurePolicy string

const (
	PolicyDegrade FailurePolicy = "degrade"
	PolicyGuide   FailurePolicy = "guide"
	PolicyFail    FailurePolicy = "fail"
)

// GuidanceProvided records manual guidance produced by task-level recovery.
type GuidanceProvided struct {
	Policy    FailurePolicy `json:"policy"`
	Cause     string        `json:"cause"`
	Guidance  string        `json:"guidance,omitempty"`
	Steps     []string      `json:"steps,omitempty"`
	RequestID string        `json:"requestId"`
}

// TaskRecovered records the resumption of an orphaned task.
type TaskRecovered struct {
	LastSequence   int        `json:"lastSequence"`
	PreviousStatus TaskStatus `json:"previousStatus"`
	PreviousPhase  string     `json:"previousPhase"`
}

// TaskCompleted is the successful terminal entry.
type TaskCompleted struct {
	Summary       string   `json:"summary"`
	SkippedPhases []string `json:"skippedPhases,omitempty"`
}

// TaskFailed is the failed terminal entry.
type TaskFailed struct {
	Reason string `json:"reason"`
}

// UnknownPayload carries an operation this build does not know. Its fields
// are shallow-merged into the computed data.
type UnknownPayload struct {
	Op     Operation      `json:"-"`
	Fields map[string]any `json:"-"`
}

func (TaskCreated) Operation() Operation             { return OpTaskCreated }
func (PlanGenerationAttempted) Operation() Operation { return OpPlanGenerationAttempted }
func (ExecutionPlanCreated) Operation() Operation    { return OpExecutionPlanCreated }
func (PhaseStarted) Operation() Operation            { return OpPhaseStarted }
func (SubtaskDelegated) Operation() Operation        { return OpSubtaskDelegated }
func (SubtaskCompleted) Operation() Operation        { return OpSubtaskCompleted }
func (SubtaskFailed) Operation() Operation           { return OpSubtaskFailed }
func (WorkerSubstituted) Operation() Operation       { return OpWorkerSubstituted }
func (UIRequestsCreated) Operation() Operation       { return OpUIRequestsCreated }
func (UIRequestsDelivered) Operation() Operation     { return OpUIRequestsDelivered }
func (UserResponseReceived) Operation() Operation    { return OpUserResponseReceived }
func (PhaseCompleted) Operation() Operation          { return OpPhaseCompleted }
func (PhaseBlocked) Operation() Operation            { return OpPhaseBlocked }
func (PhaseFailed) Operation() Operation             { return OpPhaseFailed }
func (GoalsAchieved) Operation() Operation           { return OpGoalsAchieved }
func (GuidanceProvided) Operation() Operation        { return OpGuidanceProvided }
func (TaskRecovered) Operation() Operation           { return OpTaskRecovered }
func (TaskCompleted) Operation() Operation           { return OpTaskCompleted }
func (TaskFailed) Operation() Operation              { return OpTaskFailed }
func (p UnknownPayload) Operation() Operation        { return p.Op }

func (p TaskCreated) Accept(v PayloadVisitor)             { v.VisitTaskCreated(p) }
func (p PlanGenerationAttempted) Accept(v PayloadVisitor) { v.VisitPlanGenerationAttempted(p) }
func (p ExecutionPlanCreated) Accept(v PayloadVisitor)    { v.VisitExecutionPlanCreated(p) }
func (p PhaseStarted) Accept(v PayloadVisitor)            { v.VisitPhaseStarted(p) }
func (p SubtaskDelegated) Accept(v PayloadVisitor)        { v.VisitSubtaskDelegated(p) }
func (p SubtaskCompleted) Accept(v PayloadVisitor)        { v.VisitSubtaskCompleted(p) }
func (p SubtaskFailed) Accept(v PayloadVisitor)           { v.VisitSubtaskFailed(p) }
func (p WorkerSubstituted) Accept(v PayloadVisitor)       { v.VisitWorkerSubstituted(p) }
func (p UIRequestsCreated) Accept(v PayloadVisitor)       { v.VisitUIRequestsCreated(p) }
func (p UIRequestsDelivered) Accept(v PayloadVisitor)     { v.VisitUIRequestsDelivered(p) }
func (p UserResponseReceived) Accept(v PayloadVisitor)    { v.VisitUserResponseReceived(p) }
func (p PhaseCompleted) Accept(v PayloadVisitor)          { v.VisitPhaseCompleted(p) }
func (p PhaseBlocked) Accept(v PayloadVisitor)            { v.VisitPhaseBlocked(p) }
func (p PhaseFailed) Accept(v PayloadVisitor)             { v.VisitPhaseFailed(p) }
func (p GoalsAchieved) Accept(v PayloadVisitor)           { v.VisitGoalsAchieved(p) }
func (p GuidanceProvided) Accept(v PayloadVisitor)        { v.VisitGuidanceProvided(p) }
func (p TaskRecovered) Accept(v PayloadVisitor)           { v.VisitTaskRecovered(p) }
func (p TaskCompleted) Accept(v PayloadVisitor)           { v.VisitTaskCompleted(p) }
func (p TaskFailed) Accept(v PayloadVisitor)              { v.VisitTaskFailed(p) }
func (p UnknownPayload) Accept(v PayloadVisitor)          { v.VisitUnknown(p) }

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("{}"), nil
	}
	if u, ok := p.(UnknownPayload); ok {
		if u.Fields == nil {
			return json.RawMessage("{}"), nil
		}
		return json.Marshal(u.Fields)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Operation(), err)
	}
	return data, nil
}

// DecodePayload turns a stored payload back into its typed form. Operations
// this build does not know decode into UnknownPayload rather than failing.
func DecodePayload(op Operation, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch op {
	case OpTaskCreated:
		return decodeInto[TaskCreated](op, data)
	case OpPlanGenerationAttempted:
		return decodeInto[PlanGenerationAttempted](op, data)
	case OpExecutionPlanCreated:
		return decodeInto[ExecutionPlanCreated](op, data)
	case OpPhaseStarted:
		return decodeInto[PhaseStarted](op, data)
	case OpSubtaskDelegated:
		return decodeInto[SubtaskDelegated](op, data)
	case OpSubtaskCompleted:
		return decodeInto[SubtaskCompleted](op, data)
	case OpSubtaskFailed:
		return decodeInto[SubtaskFailed](op, data)
	case OpWorkerSubstituted:
		return decodeInto[WorkerSubstituted](op, data)
	case OpUIRequestsCreated:
		return decodeInto[UIRequestsCreated](op, data)
	case OpUIRequestsDelivered:
		return decodeInto[UIRequestsDelivered](op, data)
	case OpUserResponseReceived:
		return decodeInto[UserResponseReceived](op, data)
	case OpPhaseCompleted:
		return decodeInto[PhaseCompleted](op, data)
	case OpPhaseBlocked:
		return decodeInto[PhaseBlocked](op, data)
	case OpPhaseFailed:
		return decodeInto[PhaseFailed](op, data)
	case OpGoalsAchieved:
		return decodeInto[GoalsAchieved](op, data)
	case OpGuidanceProvided:
		return decodeInto[GuidanceProvided](op, data)
	case OpTaskRecovered:
		return decodeInto[TaskRecovered](op, data)
	case OpTaskCompleted:
		return decodeInto[TaskCompleted](op, data)
	case OpTaskFailed:
		return decodeInto[TaskFailed](op, data)
	default:
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			// Non-object payloads of unknown operations are kept under "value".
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("decoding %s payload: %w", op, err)
			}
			fields = map[string]any{"value": v}
		}
		return UnknownPayload{Op: op, Fields: fields}, nil
	}
}

func decodeInto[T Payload](op Operation, data json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", op, err)
	}
	return p, nil
}
