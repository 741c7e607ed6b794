package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/taskflow/internal/eventlog"
	"github.com/aristath/taskflow/internal/model"
)

var userActor = model.Actor{Type: model.ActorUser, ID: "user"}

// SubmitUserResponse records the user's answer to a pending request. Once no
// request is pending, the task moves on: a task under manual guidance is
// completed, any other task resumes orchestration before this returns. When
// a run of the task is already active, here or in another process, that run
// picks the answer up once it ends.
func (o *Orchestrator) SubmitUserResponse(ctx context.Context, contextID, requestID string, data map[string]any) error {
	st, err := o.log.State(ctx, contextID)
	if err != nil {
		return err
	}
	if st.SequenceNumber == 0 {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, contextID)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrTerminalTask, contextID, st.Status)
	}
	req, ok := st.PendingRequest(requestID)
	if !ok {
		return fmt.Errorf("%w: %s has no pending request %s", model.ErrUnknownRequest, contextID, requestID)
	}

	_, st, err = o.log.Append(ctx, contextID, eventlog.Record{
		Actor:     userActor,
		Payload:   model.UserResponseReceived{RequestID: requestID, Data: data},
		Reasoning: fmt.Sprintf("User answered %q", req.Title),
		Trigger:   &model.Trigger{Type: "user_response", RequestID: requestID},
	})
	if err != nil {
		return err
	}
	o.logger.Info("user response received", "task", contextID, "request", requestID, "still_pending", len(st.PendingRequests))

	if len(st.PendingRequests) > 0 {
		return nil
	}

	if st.ManualGuidance {
		summary := "Task completed manually following guidance"
		if _, _, err := o.log.Append(ctx, contextID, eventlog.Record{
			Actor:     actor,
			Payload:   model.TaskCompleted{Summary: summary},
			Reasoning: summary,
		}); err != nil {
			return err
		}
		o.release(contextID)
		o.logger.Info("task completed manually", "task", contextID)
		return nil
	}

	if _, err := o.OrchestrateTask(ctx, contextID); err != nil && !errors.Is(err, model.ErrAlreadyRunning) {
		return fmt.Errorf("resume %s: %w", contextID, err)
	}
	return nil
}

// RecoverOrphans resumes every task left in_progress by a process that is
// gone. Tasks whose run lease is still live belong to a running process and
// are left alone. The cached status is only a hint; each candidate's state
// is replayed from history after its lease is taken. It returns the number
// of tasks resumed.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	ids, err := o.store.ListTasksByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress tasks: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		ex, err := o.begin(ctx, id)
		if errors.Is(err, model.ErrAlreadyRunning) {
			o.logger.Debug("orphan recovery: task is running elsewhere", "task", id)
			continue
		}
		if err != nil {
			o.logger.Error("orphan recovery: cannot claim task", "task", id, "error", err)
			continue
		}
		if !o.markRecovered(ctx, id) {
			o.end(ctx, id, ex)
			continue
		}
		recovered++

		if _, err := o.proceed(ctx, id, ex); err != nil {
			o.logger.Error("orphan recovery: orchestration failed", "task", id, "error", err)
		}
	}
	return recovered, nil
}

// markRecovered records task_recovered for a claimed task that is still
// in_progress.
func (o *Orchestrator) markRecovered(ctx context.Context, id string) bool {
	st, err := o.log.State(ctx, id)
	if err != nil {
		o.logger.Error("orphan recovery: cannot replay task", "task", id, "error", err)
		return false
	}
	if st.Status != model.StatusInProgress {
		return false
	}
	if _, _, err := o.log.Append(ctx, id, eventlog.Record{
		Actor: actor,
		Payload: model.TaskRecovered{
			LastSequence:   st.SequenceNumber,
			PreviousStatus: st.Status,
			PreviousPhase:  st.Phase,
		},
		Reasoning: fmt.Sprintf("Resuming task interrupted during phase %s", st.Phase),
	}); err != nil {
		o.logger.Error("orphan recovery: cannot record recovery", "task", id, "error", err)
		return false
	}
	o.logger.Warn("recovering orphaned task", "task", id, "phase", st.Phase, "last_sequence", st.SequenceNumber)
	return true
}
