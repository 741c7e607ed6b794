// Package scheduler executes one phase of an execution plan at a time.
// Parallel phases dispatch every subtask concurrently and wait for all of
// them; sequential phases run subtasks in declared order and feed each
// subtask's output into the next one's input.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DispatchRequest is one subtask handed to a Dispatcher.
type DispatchRequest struct {
	ContextID string
	Phase     string
	Index     int
	Subtask   model.Subtask
	Input     map[string]any
	Outbox    worker.Outbox
}

// Dispatcher runs a single subtask. Subtask-level problems are reported in
// the result; an error means the run itself cannot continue.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (model.SubtaskResult, error)
}

// PhaseInput is what ExecutePhase needs besides the phase itself.
type PhaseInput struct {
	ContextID string
	Phase     model.Phase
	// Data is the task's accumulated data; it is not modified.
	Data map[string]any
	// Finished holds subtasks of this phase that completed or were deferred
	// in an earlier run. They are not dispatched again.
	Finished map[int]model.SubtaskStatus
	Outbox   worker.Outbox
}

// Config configures a Scheduler.
type Config struct {
	Dispatcher Dispatcher
	// Concurrency caps the subtasks of a parallel phase that run at once
	// (default 8).
	Concurrency int
	Logger      *slog.Logger
}

// Scheduler executes phases.
type Scheduler struct {
	dispatcher  Dispatcher
	concurrency int
	logger      *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher:  cfg.Dispatcher,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// ExecutePhase runs the subtasks of a phase and aggregates their results.
// The returned error is non-nil only when the dispatcher reports that the
// run must abort; every subtask outcome is in the PhaseResult.
func (s *Scheduler) ExecutePhase(ctx context.Context, in PhaseInput) (model.PhaseResult, error) {
	start := time.Now()

	var results []model.SubtaskResult
	var err error
	if in.Phase.ParallelExecution {
		results, err = s.runParallel(ctx, in)
	} else {
		results, err = s.runSequential(ctx, in)
	}
	if err != nil {
		return model.PhaseResult{}, err
	}

	pr := model.PhaseResult{
		Phase:    in.Phase.Name,
		Status:   AggregateStatus(results),
		Results:  results,
		Duration: time.Since(start),
	}
	for _, r := range results {
		pr.UIRequests = append(pr.UIRequests, r.UIRequests...)
		if r.Status == model.SubtaskCompletedStatus && !r.Skipped {
			pr.OutputData = model.DeepMerge(pr.OutputData, r.Data)
		}
	}

	s.logger.Debug("phase executed",
		"task", in.ContextID,
		"phase", in.Phase.Name,
		"status", pr.Status,
		"subtasks", len(results),
		"requests", len(pr.UIRequests),
		"duration", pr.Duration)
	return pr, nil
}

// runParallel dispatches every pending subtask at once. One subtask's
// failure never cancels its siblings.
func (s *Scheduler) runParallel(ctx context.Context, in PhaseInput) ([]model.SubtaskResult, error) {
	results := make([]model.SubtaskResult, len(in.Phase.Subtasks))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, st := range in.Phase.Subtasks {
		if status, ok := in.Finished[i]; ok && status.Finished() {
			results[i] = skipped(i, st, status)
			continue
		}
		input := model.DeepMerge(model.CloneData(in.Data), st.InputData)
		g.Go(func() error {
			r, err := s.dispatch(ctx, in, i, st, input)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runSequential dispatches subtasks in declared order, merging each one's
// output into the input of the next.
func (s *Scheduler) runSequential(ctx context.Context, in PhaseInput) ([]model.SubtaskResult, error) {
	results := make([]model.SubtaskResult, 0, len(in.Phase.Subtasks))
	carried := model.CloneData(in.Data)

	for i, st := range in.Phase.Subtasks {
		if status, ok := in.Finished[i]; ok && status.Finished() {
			results = append(results, skipped(i, st, status))
			continue
		}
		input := model.DeepMerge(model.CloneData(carried), st.InputData)
		r, err := s.dispatch(ctx, in, i, st, input)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		if r.Status == model.SubtaskCompletedStatus {
			carried = model.DeepMerge(carried, r.Data)
		}
	}
	return results, nil
}

// dispatch calls the dispatcher and turns a panic into a user-input request
// so it never escapes the phase.
func (s *Scheduler) dispatch(ctx context.Context, in PhaseInput, index int, st model.Subtask, input map[string]any) (r model.SubtaskResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("subtask dispatch panicked", "task", in.ContextID, "phase", in.Phase.Name, "subtask", st.ID, "panic", p)
			r = panicResult(in, index, st, p)
			err = nil
		}
	}()

	r, err = s.dispatcher.Dispatch(ctx, DispatchRequest{
		ContextID: in.ContextID,
		Phase:     in.Phase.Name,
		Index:     index,
		Subtask:   st,
		Input:     input,
		Outbox:    in.Outbox,
	})
	if err != nil {
		return model.SubtaskResult{}, fmt.Errorf("phase %s subtask %s: %w", in.Phase.Name, st.ID, err)
	}
	r.Index = index
	if r.SubtaskID == "" {
		r.SubtaskID = st.ID
	}
	return r, nil
}

func skipped(index int, st model.Subtask, status model.SubtaskStatus) model.SubtaskResult {
	return model.SubtaskResult{
		SubtaskID:  st.ID,
		Index:      index,
		WorkerID:   st.AssignedWorkerID,
		Status:     status,
		CanProceed: true,
		Skipped:    true,
		Reasoning:  "finished in an earlier run",
	}
}

func panicResult(in PhaseInput, index int, st model.Subtask, p any) model.SubtaskResult {
	reason := fmt.Sprintf("dispatch of %s crashed: %v", st.ID, p)
	return model.SubtaskResult{
		SubtaskID: st.ID,
		Index:     index,
		WorkerID:  st.AssignedWorkerID,
		Status:    model.SubtaskNeedsInput,
		Error:     reason,
		UIRequests: []model.UIRequest{{
			ID:          uuid.NewString(),
			ContextID:   in.ContextID,
			Type:        model.RequestForm,
			Title:       "Input needed: " + st.Description,
			Description: st.Instruction,
			Reason:      reason,
			Phase:       in.Phase.Name,
			SubtaskID:   st.ID,
			WorkerID:    st.AssignedWorkerID,
			Fallback:    true,
			CreatedAt:   time.Now().UTC(),
		}},
	}
}

// AggregateStatus derives a phase status from its subtask results:
// needs_input beats failed, failed beats completed. A phase is never
// complete while any subtask waits on the user.
func AggregateStatus(results []model.SubtaskResult) model.PhaseStatus {
	status := model.PhaseCompletedStatus
	for _, r := range results {
		switch r.Status {
		case model.SubtaskNeedsInput:
			return model.PhaseNeedsInput
		case model.SubtaskFailedStatus:
			status = model.PhaseFailedStatus
		}
	}
	return status
}

// FinishedIn extracts the finished subtasks of a phase from a state's
// subtask map, keyed by index.
func FinishedIn(phase model.Phase, finished map[string]model.SubtaskStatus) map[int]model.SubtaskStatus {
	out := make(map[int]model.SubtaskStatus)
	for i := range phase.Subtasks {
		if status, ok := finished[model.SubtaskKey(phase.Name, i)]; ok {
			out[i] = status
		}
	}
	return out
}
