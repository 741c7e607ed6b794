package state

import (
	"github.com/aristath/taskflow/internal/model"
)

// replay folds entries into a ComputedState. It implements
// model.PayloadVisitor so every operation kind must be handled here.
type replay struct {
	st model.ComputedState
}

var _ model.PayloadVisitor = (*replay)(nil)

func newReplay() *replay {
	return &replay{st: Initial()}
}

func (r *replay) apply(e model.ContextEntry) {
	r.st.SequenceNumber = e.SequenceNumber
	r.st.UpdatedAt = e.Timestamp
	if e.Data == nil {
		return
	}
	e.Data.Accept(r)
}

func (r *replay) VisitTaskCreated(p model.TaskCreated) {
	r.st.Status = model.StatusPending
	r.st.Phase = model.InitialPhase
	r.st.TemplateID = p.TemplateID
	r.st.Data = model.DeepMerge(r.st.Data, p.InitialData)
}

func (r *replay) VisitPlanGenerationAttempted(model.PlanGenerationAttempted) {}

func (r *replay) VisitExecutionPlanCreated(p model.ExecutionPlanCreated) {
	plan := p.Plan
	r.st.Plan = &plan
	r.st.Status = model.StatusInProgress
	r.st.CompletedPhases = nil
	r.st.FinishedSubtasks = nil
	if len(plan.Phases) > 0 {
		r.st.Phase = plan.Phases[0].Name
	}
}

func (r *replay) VisitPhaseStarted(p model.PhaseStarted) {
	r.st.Status = model.StatusInProgress
	r.st.Phase = p.Phase
}

func (r *replay) VisitSubtaskDelegated(model.SubtaskDelegated) {}

func (r *replay) VisitSubtaskCompleted(p model.SubtaskCompleted) {
	if r.st.FinishedSubtasks == nil {
		r.st.FinishedSubtasks = make(map[string]model.SubtaskStatus)
	}
	r.st.FinishedSubtasks[model.SubtaskKey(p.Phase, p.SubtaskIndex)] = p.Status
	r.st.Data = model.DeepMerge(r.st.Data, p.OutputData)
}

func (r *replay) VisitSubtaskFailed(model.SubtaskFailed) {}

func (r *replay) VisitWorkerSubstituted(model.WorkerSubstituted) {}

func (r *replay) VisitUIRequestsCreated(p model.UIRequestsCreated) {
	for _, req := range p.Requests {
		if _, exists := r.st.PendingRequest(req.ID); exists {
			continue
		}
		r.st.PendingRequests = append(r.st.PendingRequests, req)
	}
}

func (r *replay) VisitUIRequestsDelivered(model.UIRequestsDelivered) {}

// VisitUserResponseReceived resolves a pending request. Once every fallback
// request of a subtask is answered, the user's data stands in for the
// subtask's output and the subtask counts as completed. Answers to requests a
// worker asked for leave the subtask open so it runs again with the data.
func (r *replay) VisitUserResponseReceived(p model.UserResponseReceived) {
	answered, found := r.st.PendingRequest(p.RequestID)
	kept := r.st.PendingRequests[:0:0]
	for _, req := range r.st.PendingRequests {
		if req.ID != p.RequestID {
			kept = append(kept, req)
		}
	}
	r.st.PendingRequests = kept
	r.st.Data = model.DeepMerge(r.st.Data, p.Data)

	if found {
		r.finishAnswered(answered)
	}
}

func (r *replay) finishAnswered(req model.UIRequest) {
	if !req.Fallback || req.Phase == "" || req.SubtaskID == "" || r.st.Plan == nil {
		return
	}
	for _, other := range r.st.PendingRequests {
		if other.Phase == req.Phase && other.SubtaskID == req.SubtaskID {
			return
		}
	}
	phase, _, ok := r.st.Plan.Phase(req.Phase)
	if !ok {
		return
	}
	for i, st := range phase.Subtasks {
		if st.ID != req.SubtaskID {
			continue
		}
		if r.st.FinishedSubtasks == nil {
			r.st.FinishedSubtasks = make(map[string]model.SubtaskStatus)
		}
		r.st.FinishedSubtasks[model.SubtaskKey(req.Phase, i)] = model.SubtaskCompletedStatus
		return
	}
}

func (r *replay) VisitPhaseCompleted(p model.PhaseCompleted) {
	if !r.st.PhaseCompleted(p.Phase) {
		r.st.CompletedPhases = append(r.st.CompletedPhases, p.Phase)
	}
	r.st.Phase = p.Phase
}

func (r *replay) VisitPhaseBlocked(p model.PhaseBlocked) {
	r.st.Status = model.StatusWaitingForInput
	r.st.Phase = p.Phase
}

func (r *replay) VisitPhaseFailed(p model.PhaseFailed) {
	r.st.Phase = p.Phase
}

func (r *replay) VisitGoalsAchieved(model.GoalsAchieved) {}

func (r *replay) VisitGuidanceProvided(p model.GuidanceProvided) {
	r.st.ManualGuidance = true
	r.st.Status = model.StatusWaitingForInput
	guidance := map[string]any{
		"policy": string(p.Policy),
		"cause":  p.Cause,
	}
	if p.Guidance != "" {
		guidance["text"] = p.Guidance
	}
	if len(p.Steps) > 0 {
		steps := make([]any, len(p.Steps))
		for i, s := range p.Steps {
			steps[i] = s
		}
		guidance["steps"] = steps
	}
	r.st.Data = model.DeepMerge(r.st.Data, map[string]any{"guidance": guidance})
}

func (r *replay) VisitTaskRecovered(model.TaskRecovered) {
	r.st.Status = model.StatusInProgress
}

func (r *replay) VisitTaskCompleted(model.TaskCompleted) {
	r.st.Status = model.StatusCompleted
	r.st.Completeness = 100
	r.st.PendingRequests = nil
}

func (r *replay) VisitTaskFailed(p model.TaskFailed) {
	r.st.Status = model.StatusFailed
	r.st.FailureReason = p.Reason
	r.st.PendingRequests = nil
}

func (r *replay) VisitUnknown(p model.UnknownPayload) {
	r.st.Data = model.ShallowMerge(r.st.Data, p.Fields)
}
