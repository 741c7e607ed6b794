package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/eventlog"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/google/uuid"
)

var planActor = model.SystemActor("plan-generator")

// OrchestrateTask runs a task until it completes, fails or waits for the
// user. It is also the resume path: an existing plan is reused, completed
// phases are skipped and finished subtasks are not dispatched again. Only
// one run per task is allowed at a time, across every process sharing the
// store.
//
// The returned error is non-nil when the run could not even start, or when
// an entry could not be appended; in the latter case the task stays
// in_progress and orphan recovery resumes it on the next start.
func (o *Orchestrator) OrchestrateTask(ctx context.Context, contextID string) (model.ComputedState, error) {
	ex, err := o.begin(ctx, contextID)
	if err != nil {
		return model.ComputedState{}, err
	}
	return o.proceed(ctx, contextID, ex)
}

// proceed runs a claimed task. Answers that arrive while the run is active
// cannot start a run of their own, so once the run ends the task is checked
// again and resumed if nothing is left to wait for.
func (o *Orchestrator) proceed(ctx context.Context, contextID string, ex *execution) (model.ComputedState, error) {
	for {
		st, err := o.runClaimed(ctx, contextID, ex)
		o.end(ctx, contextID, ex)
		if err != nil {
			return st, err
		}

		cur, err := o.log.State(ctx, contextID)
		if err != nil {
			return st, err
		}
		if !resumable(cur) {
			return cur, nil
		}
		o.logger.Info("input arrived during the run, resuming", "task", contextID, "phase", cur.Phase)
		if ex, err = o.begin(ctx, contextID); err != nil {
			if errors.Is(err, model.ErrAlreadyRunning) {
				// Whoever holds it now sees the answers.
				return cur, nil
			}
			return cur, err
		}
	}
}

// resumable reports a task blocked on input that has none left pending.
func resumable(st model.ComputedState) bool {
	return st.Status == model.StatusWaitingForInput && len(st.PendingRequests) == 0 && !st.ManualGuidance
}

func (o *Orchestrator) runClaimed(ctx context.Context, contextID string, ex *execution) (model.ComputedState, error) {
	task, err := o.store.GetTask(ctx, contextID)
	if err != nil {
		return model.ComputedState{}, err
	}
	st, err := o.log.State(ctx, contextID)
	if err != nil {
		return model.ComputedState{}, err
	}
	if st.Status.Terminal() {
		return st, fmt.Errorf("%w: %s is %s", model.ErrTerminalTask, contextID, st.Status)
	}
	if st.ManualGuidance {
		// The user finishes the task by hand and confirms through a response.
		return st, nil
	}

	r := &run{o: o, task: *task, mailbox: ex.mailbox}
	return r.execute(ctx, st)
}

// run is one orchestration pass over a task.
type run struct {
	o       *Orchestrator
	task    model.TaskContext
	mailbox *Mailbox
}

func (r *run) id() string { return r.task.ContextID }

func (r *run) record(ctx context.Context, p model.Payload, reasoning string) (model.ComputedState, error) {
	_, st, err := r.o.log.Append(ctx, r.id(), eventlog.Record{Actor: actor, Payload: p, Reasoning: reasoning})
	return st, err
}

func (r *run) execute(ctx context.Context, st model.ComputedState) (model.ComputedState, error) {
	if st.Plan == nil {
		p, err := r.plan(ctx, st)
		if err != nil {
			if errors.Is(err, model.ErrPersistenceAppendFailed) {
				return model.ComputedState{}, err
			}
			return r.recover(ctx, fmt.Errorf("no execution plan: %w", err))
		}
		r.o.logger.Info("execution plan ready", "task", r.id(), "phases", len(p.Phases), "fallback", p.Metadata.IsFallback)
		if st, err = r.o.log.State(ctx, r.id()); err != nil {
			return model.ComputedState{}, err
		}
	}
	p := *st.Plan

	for i, phase := range p.Phases {
		if st.PhaseCompleted(phase.Name) {
			continue
		}

		finished := scheduler.FinishedIn(phase, st.FinishedSubtasks)
		if _, err := r.record(ctx, model.PhaseStarted{Phase: phase.Name, Index: i, Resumed: len(finished) > 0},
			fmt.Sprintf("Starting phase %d of %d: %s", i+1, len(p.Phases), phase.Name)); err != nil {
			return model.ComputedState{}, err
		}

		pr, err := r.o.scheduler.ExecutePhase(ctx, scheduler.PhaseInput{
			ContextID: r.id(),
			Phase:     phase,
			Data:      st.Data,
			Finished:  finished,
			Outbox:    r.mailbox,
		})
		if err != nil {
			if errors.Is(err, model.ErrPersistenceAppendFailed) {
				return model.ComputedState{}, err
			}
			if _, rerr := r.record(ctx, model.PhaseFailed{Phase: phase.Name, Index: i, Error: err.Error()},
				"Phase execution aborted"); rerr != nil {
				return model.ComputedState{}, rerr
			}
			return r.recover(ctx, fmt.Errorf("phase %s aborted: %w", phase.Name, err))
		}
		if r.o.observer != nil {
			r.o.observer.PhaseFinished(phase.Name, pr.Status, pr.Duration)
		}

		// Help posted through the mailbox blocks the phase like any other
		// request, even when every subtask went on to complete.
		help := r.mailbox.Drain()
		for k := range help {
			if help[k].Phase == "" {
				help[k].Phase = phase.Name
			}
		}
		if len(help) > 0 && pr.Status != model.PhaseFailedStatus {
			pr.Status = model.PhaseNeedsInput
		}
		reqs := append(pr.UIRequests, help...)
		if err := r.requests(ctx, phase.Name, reqs); err != nil {
			return model.ComputedState{}, err
		}
		if pr.Status == model.PhaseNeedsInput && len(reqs) == 0 {
			pr.Status = model.PhaseFailedStatus
			pr.Results = append(pr.Results, model.SubtaskResult{
				SubtaskID: phase.Name,
				Status:    model.SubtaskFailedStatus,
				Error:     "input needed but no request was raised",
			})
		}

		switch pr.Status {
		case model.PhaseNeedsInput:
			return r.block(ctx, phase.Name, i)

		case model.PhaseFailedStatus:
			reason := failureSummary(pr)
			if _, err := r.record(ctx, model.PhaseFailed{Phase: phase.Name, Index: i, Error: reason},
				fmt.Sprintf("Phase %s failed: %s", phase.Name, reason)); err != nil {
				return model.ComputedState{}, err
			}
			return r.recover(ctx, fmt.Errorf("phase %s failed: %s", phase.Name, reason))
		}

		st, err = r.record(ctx, model.PhaseCompleted{Phase: phase.Name, Index: i},
			fmt.Sprintf("Phase %s finished with %d subtask(s)", phase.Name, len(pr.Results)))
		if err != nil {
			return model.ComputedState{}, err
		}

		if goals, ok := goalsAchieved(r.task.Metadata.Goals, st, r.o.log.Computer().RequiredPaths(r.task.TemplateID)); ok {
			skipped := remaining(p, i+1, st)
			if _, err := r.record(ctx, model.GoalsAchieved{Goals: goals, SkippedPhases: skipped},
				fmt.Sprintf("All primary goals are satisfied after phase %s", phase.Name)); err != nil {
				return model.ComputedState{}, err
			}
			return r.complete(ctx, skipped)
		}
	}
	return r.complete(ctx, nil)
}

// plan generates and records the execution plan.
func (r *run) plan(ctx context.Context, st model.ComputedState) (model.ExecutionPlan, error) {
	snap, err := r.o.directory.ListCapabilities(ctx)
	if err != nil {
		return model.ExecutionPlan{}, fmt.Errorf("list capabilities: %w", err)
	}
	return r.o.generator.CreatePlan(ctx, plan.Request{
		ContextID:  r.id(),
		TemplateID: r.task.TemplateID,
		Metadata:   r.task.Metadata,
		Data:       st.Data,
	}, snap, func(ctx context.Context, p model.Payload, reasoning string) error {
		return r.o.log.Record(ctx, r.id(), planActor, p, reasoning)
	})
}

// requests records new user-input requests and hands them to the batcher.
func (r *run) requests(ctx context.Context, phase string, reqs []model.UIRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = uuid.NewString()
		}
		if reqs[i].CreatedAt.IsZero() {
			reqs[i].CreatedAt = r.o.now().UTC()
		}
		reqs[i].ContextID = r.id()
	}
	if _, err := r.record(ctx, model.UIRequestsCreated{Phase: phase, Requests: reqs},
		fmt.Sprintf("%d request(s) for user input", len(reqs))); err != nil {
		return err
	}
	return r.deliver(ctx, func() error { return r.o.batcher.HandleUserInputRequests(ctx, r.id(), reqs) })
}

// deliver runs a batcher operation. Delivery problems are logged; only a
// failed append aborts the run.
func (r *run) deliver(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrPersistenceAppendFailed) {
		return err
	}
	r.o.logger.Warn("request delivery failed, requests stay pending", "task", r.id(), "error", err)
	return nil
}

// block records that the phase waits for the user, then flushes the
// batched requests. The blocked entry comes first so an answer to a flushed
// request is never followed by it.
func (r *run) block(ctx context.Context, phase string, index int) (model.ComputedState, error) {
	cur, err := r.o.log.State(ctx, r.id())
	if err != nil {
		return model.ComputedState{}, err
	}
	if _, err := r.record(ctx, model.PhaseBlocked{Phase: phase, Index: index, PendingRequests: len(cur.PendingRequests)},
		fmt.Sprintf("Phase %s is waiting for %d user response(s)", phase, len(cur.PendingRequests))); err != nil {
		return model.ComputedState{}, err
	}
	if err := r.deliver(ctx, func() error { return r.o.batcher.Flush(ctx, r.id()) }); err != nil {
		return model.ComputedState{}, err
	}
	st, err := r.o.log.State(ctx, r.id())
	if err != nil {
		return model.ComputedState{}, err
	}
	r.o.logger.Info("task waiting for input", "task", r.id(), "phase", phase, "pending", len(st.PendingRequests))
	r.notify(st, "")
	return st, nil
}

// complete flushes the remaining requests and records task_completed.
func (r *run) complete(ctx context.Context, skipped []string) (model.ComputedState, error) {
	if err := r.deliver(ctx, func() error { return r.o.batcher.Flush(ctx, r.id()) }); err != nil {
		return model.ComputedState{}, err
	}
	summary := "All phases finished"
	if len(skipped) > 0 {
		summary = "Goals satisfied early; skipped " + strings.Join(skipped, ", ")
	}
	st, err := r.record(ctx, model.TaskCompleted{Summary: summary, SkippedPhases: skipped}, summary)
	if err != nil {
		return model.ComputedState{}, err
	}
	r.o.release(r.id())
	r.o.logger.Info("task completed", "task", r.id(), "skipped_phases", len(skipped))
	return st, nil
}

// recover applies the task-level failure policy.
func (r *run) recover(ctx context.Context, cause error) (model.ComputedState, error) {
	r.o.logger.Warn("task-level failure, applying failure policy", "task", r.id(), "policy", r.o.policy, "error", cause)

	st, err := r.o.log.State(ctx, r.id())
	if err != nil {
		return model.ComputedState{}, err
	}
	goals := r.task.Metadata.Goals.Descriptions()
	rec, err := r.o.resilience.Recover(ctx, resilience.RecoveryRequest{
		ContextID:       r.id(),
		Policy:          r.o.policy,
		Cause:           cause,
		Goals:           goals,
		GuidanceTimeout: r.o.guidance,
		Prompt: planner.PromptContext{
			ContextID:   r.id(),
			TemplateID:  r.task.TemplateID,
			Title:       r.task.Metadata.Title,
			Description: r.task.Metadata.Description,
			Goals:       goals,
			Data:        st.Data,
		},
	})
	if err != nil {
		return model.ComputedState{}, err
	}

	if rec.Request != nil {
		if err := r.requests(ctx, "", []model.UIRequest{*rec.Request}); err != nil {
			return model.ComputedState{}, err
		}
		if err := r.deliver(ctx, func() error { return r.o.batcher.Flush(ctx, r.id()) }); err != nil {
			return model.ComputedState{}, err
		}
	}
	if st, err = r.o.log.State(ctx, r.id()); err != nil {
		return model.ComputedState{}, err
	}
	if rec.Failed {
		r.o.release(r.id())
	}
	r.notify(st, cause.Error())
	return st, nil
}

func (r *run) notify(st model.ComputedState, reason string) {
	if r.o.notifier == nil {
		return
	}
	if reason == "" {
		reason = st.FailureReason
	}
	r.o.notifier.NotifyStatus(r.id(), st.Status, reason)
}

// remaining lists the phases from index on that have not completed.
func remaining(p model.ExecutionPlan, from int, st model.ComputedState) []string {
	var out []string
	for _, phase := range p.Phases[from:] {
		if !st.PhaseCompleted(phase.Name) {
			out = append(out, phase.Name)
		}
	}
	return out
}

func failureSummary(pr model.PhaseResult) string {
	var parts []string
	for _, res := range pr.Results {
		if res.Status != model.SubtaskFailedStatus {
			continue
		}
		msg := res.Error
		if msg == "" {
			msg = "failed"
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s", res.SubtaskID, res.WorkerID, msg))
	}
	if len(parts) == 0 {
		return "phase failed"
	}
	return strings.Join(parts, "; ")
}
