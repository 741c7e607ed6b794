// Package resilience decides what happens when workers cannot do their job.
// Every dispatch attempt ends in Success, Unavailable or Failed; the last
// two apply the worker's fallback strategy. Task-level failures go through
// the failure policy in recovery.go.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/worker"
	"github.com/google/uuid"
)

// Outcome is the terminal state of one dispatch attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
)

// Recorder appends an entry to a task's history.
type Recorder interface {
	Record(ctx context.Context, contextID string, actor model.Actor, p model.Payload, reasoning string) error
}

// Observer is told about every dispatch attempt.
type Observer interface {
	DispatchFinished(workerID string, outcome Outcome, d time.Duration)
}

// Config configures a Controller.
type Config struct {
	Directory capability.Directory
	Registry  *worker.Registry
	Breakers  *BreakerRegistry
	Recorder  Recorder
	Planner   planner.Planner
	Retry     RetryConfig
	// DefaultStrategy applies to workers without a valid strategy of their own.
	DefaultStrategy model.FallbackStrategy
	Observer        Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

// Controller dispatches subtasks with fallback handling. It implements
// scheduler.Dispatcher.
type Controller struct {
	directory       capability.Directory
	registry        *worker.Registry
	breakers        *BreakerRegistry
	recorder        Recorder
	planner         planner.Planner
	retry           RetryConfig
	defaultStrategy model.FallbackStrategy
	observer        Observer
	logger          *slog.Logger
	now             func() time.Time
}

var _ scheduler.Dispatcher = (*Controller)(nil)

var actor = model.SystemActor("resilience")

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = worker.NewRegistry(cfg.Directory)
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(BreakerConfig{}, logger, nil)
	}
	p := cfg.Planner
	if p == nil {
		p = planner.Disabled{}
	}
	strategy := cfg.DefaultStrategy
	if !strategy.Valid() {
		strategy = model.FallbackUserInput
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		directory:       cfg.Directory,
		registry:        registry,
		breakers:        breakers,
		recorder:        cfg.Recorder,
		planner:         p,
		retry:           cfg.Retry,
		defaultStrategy: strategy,
		observer:        cfg.Observer,
		logger:          logger,
		now:             now,
	}
}

// Dispatch runs one subtask through the fallback state machine. The
// returned error is non-nil only when an entry could not be recorded.
func (c *Controller) Dispatch(ctx context.Context, req scheduler.DispatchRequest) (model.SubtaskResult, error) {
	start := c.now()
	snap, err := c.directory.ListCapabilities(ctx)
	if err != nil {
		c.logger.Warn("capability snapshot unavailable, treating workers as unavailable", "task", req.ContextID, "error", err)
		snap = capability.Snapshot{}
	}

	res, err := c.attempt(ctx, req, snap, req.Subtask.AssignedWorkerID, 0)
	if err != nil {
		return model.SubtaskResult{}, err
	}
	res.SubtaskID = req.Subtask.ID
	res.Index = req.Index
	res.Duration = c.now().Sub(start)
	return res, nil
}

// attempt dispatches to workerID and applies its fallback strategy when the
// attempt does not succeed. hop counts substitutions; only one is allowed.
func (c *Controller) attempt(ctx context.Context, req scheduler.DispatchRequest, snap capability.Snapshot, workerID string, hop int) (model.SubtaskResult, error) {
	capab, known := snap[workerID]

	start := c.now()
	a, err := c.try(ctx, req, capab, known, workerID, hop)
	if err != nil {
		return model.SubtaskResult{}, err
	}
	if c.observer != nil {
		c.observer.DispatchFinished(workerID, a.outcome, c.now().Sub(start))
	}
	if a.outcome == OutcomeSuccess {
		return c.succeeded(ctx, req, workerID, a.out, c.now().Sub(start))
	}
	outcome, cause := a.outcome, a.cause

	strategy := capab.FallbackStrategy
	if !strategy.Valid() {
		strategy = c.defaultStrategy
	}
	if hop > 0 && strategy == model.FallbackAlternativeWorker {
		// Single hop: a substitute is never substituted again.
		strategy = model.FallbackDefer
	}

	c.logger.Warn("subtask dispatch did not succeed",
		"task", req.ContextID,
		"phase", req.Phase,
		"subtask", req.Subtask.ID,
		"worker", workerID,
		"outcome", outcome,
		"strategy", strategy,
		"error", cause)
	if err := c.record(ctx, req.ContextID, model.SubtaskFailed{
		Phase:        req.Phase,
		SubtaskIndex: req.Index,
		SubtaskID:    req.Subtask.ID,
		WorkerID:     workerID,
		Unavailable:  outcome == OutcomeUnavailable,
		Error:        cause.Error(),
		Strategy:     strategy,
	}, fmt.Sprintf("Worker %s could not run subtask %s (%s); applying %s", workerID, req.Subtask.ID, outcome, strategy)); err != nil {
		return model.SubtaskResult{}, err
	}

	switch strategy {
	case model.FallbackUserInput:
		return c.requestInput(req, workerID, cause), nil

	case model.FallbackAlternativeWorker:
		alt, shared, ok := c.alternative(snap, req.Subtask, workerID, known)
		if ok {
			if err := c.record(ctx, req.ContextID, model.WorkerSubstituted{
				Phase:        req.Phase,
				SubtaskIndex: req.Index,
				From:         workerID,
				To:           alt.WorkerID,
				SharedSkills: shared,
			}, fmt.Sprintf("Worker %s shares skills %v with %s", alt.WorkerID, shared, workerID)); err != nil {
				return model.SubtaskResult{}, err
			}
			res, err := c.attempt(ctx, req, snap, alt.WorkerID, hop+1)
			if err != nil {
				return model.SubtaskResult{}, err
			}
			res.Substitute = alt.WorkerID
			return res, nil
		}
		c.logger.Warn("no alternative worker, deferring subtask", "task", req.ContextID, "subtask", req.Subtask.ID, "worker", workerID)
		return c.deferred(ctx, req, workerID, cause)

	default:
		return c.deferred(ctx, req, workerID, cause)
	}
}

// attemptResult is where the Attempting state ended.
type attemptResult struct {
	outcome Outcome
	out     worker.Result
	cause   error
}

func unavailable(cause error) attemptResult {
	return attemptResult{outcome: OutcomeUnavailable, cause: cause}
}

// try performs the Attempting step. A non-nil error means recording failed.
func (c *Controller) try(ctx context.Context, req scheduler.DispatchRequest, capab model.AgentCapability, known bool, workerID string, hop int) (attemptResult, error) {
	if !known {
		return unavailable(fmt.Errorf("%w: %s is not in the capability directory", model.ErrWorkerUnavailable, workerID)), nil
	}
	if !capab.Available() {
		return unavailable(fmt.Errorf("%w: %s is %s", model.ErrWorkerUnavailable, workerID, capab.Availability)), nil
	}
	if c.breakers.Open(workerID) {
		return unavailable(fmt.Errorf("%w: circuit breaker for %s is open", model.ErrWorkerUnavailable, workerID)), nil
	}
	w, err := c.registry.Get(ctx, workerID, req.ContextID)
	if err != nil {
		return unavailable(fmt.Errorf("%w: %v", model.ErrWorkerUnavailable, err)), nil
	}

	if err := c.record(ctx, req.ContextID, model.SubtaskDelegated{
		Phase:        req.Phase,
		SubtaskIndex: req.Index,
		SubtaskID:    req.Subtask.ID,
		WorkerID:     workerID,
		Attempt:      hop + 1,
	}, fmt.Sprintf("Dispatching %s to %s", req.Subtask.ID, workerID)); err != nil {
		return attemptResult{}, err
	}

	in := worker.Instruction{
		ContextID:       req.ContextID,
		Phase:           req.Phase,
		SubtaskID:       req.Subtask.ID,
		Description:     req.Subtask.Description,
		Text:            req.Subtask.Instruction,
		InputData:       req.Input,
		ExpectedOutput:  req.Subtask.ExpectedOutput,
		SuccessCriteria: req.Subtask.SuccessCriteria,
		Outbox:          req.Outbox,
	}
	cb := c.breakers.Get(workerID)
	out, attempts, err := Retry(ctx, c.retry, func(ctx context.Context) (worker.Result, error) {
		v, err := cb.Execute(func() (interface{}, error) {
			return call(ctx, w, in)
		})
		if err != nil {
			if isBreakerRejection(err) {
				return worker.Result{}, Permanent(err)
			}
			return worker.Result{}, err
		}
		return v.(worker.Result), nil
	})
	if err != nil {
		if isBreakerRejection(err) {
			return unavailable(fmt.Errorf("%w: %v", model.ErrWorkerUnavailable, err)), nil
		}
		return attemptResult{
			outcome: OutcomeFailed,
			cause:   fmt.Errorf("%w: %s after %d attempts: %v", model.ErrWorkerDispatchFailed, workerID, attempts, err),
		}, nil
	}
	return attemptResult{outcome: OutcomeSuccess, out: out}, nil
}

// call invokes the worker, turning a panic into an error.
func call(ctx context.Context, w worker.Worker, in worker.Instruction) (res worker.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.ID(), p)
		}
	}()
	return w.Dispatch(ctx, in)
}

func (c *Controller) alternative(snap capability.Snapshot, st model.Subtask, workerID string, known bool) (model.AgentCapability, []string, bool) {
	skills := st.RequiredSkills
	if known {
		skills = append(append([]string(nil), snap[workerID].Skills...), skills...)
	}
	return snap.FirstAvailableWithSkills(skills, c.excluded(snap, workerID)...)
}

// excluded lists the failed worker and every worker whose breaker is open.
func (c *Controller) excluded(snap capability.Snapshot, workerID string) []string {
	out := []string{workerID}
	for _, id := range snap.IDs() {
		if id != workerID && c.breakers.Open(id) {
			out = append(out, id)
		}
	}
	return out
}

// succeeded maps a worker's own result onto a subtask result. A worker that
// reports failure itself gets no fallback.
func (c *Controller) succeeded(ctx context.Context, req scheduler.DispatchRequest, workerID string, out worker.Result, d time.Duration) (model.SubtaskResult, error) {
	res := model.SubtaskResult{
		WorkerID:   workerID,
		Status:     out.Status,
		Data:       out.Data,
		Reasoning:  out.Reasoning,
		UIRequests: c.normalize(req, workerID, out.UIRequests),
	}
	if res.Status == "" {
		res.Status = model.SubtaskCompletedStatus
	}

	switch res.Status {
	case model.SubtaskCompletedStatus, model.SubtaskDelegatedStatus:
		res.CanProceed = true
		reasoning := out.Reasoning
		if reasoning == "" {
			reasoning = fmt.Sprintf("Worker %s finished subtask %s", workerID, req.Subtask.ID)
		}
		if err := c.record(ctx, req.ContextID, model.SubtaskCompleted{
			Phase:        req.Phase,
			SubtaskIndex: req.Index,
			SubtaskID:    req.Subtask.ID,
			WorkerID:     workerID,
			Status:       res.Status,
			OutputData:   out.Data,
			DurationMS:   d.Milliseconds(),
			CanProceed:   true,
		}, reasoning); err != nil {
			return model.SubtaskResult{}, err
		}

	case model.SubtaskNeedsInput:
		if len(res.UIRequests) == 0 {
			reason := out.Reasoning
			if reason == "" {
				reason = "the worker asked for more information"
			}
			res.UIRequests = []model.UIRequest{c.inputRequest(req, workerID, reason)}
		}

	default:
		res.Status = model.SubtaskFailedStatus
		res.Error = out.Reasoning
		if res.Error == "" {
			res.Error = fmt.Sprintf("worker %s reported failure", workerID)
		}
		if err := c.record(ctx, req.ContextID, model.SubtaskFailed{
			Phase:        req.Phase,
			SubtaskIndex: req.Index,
			SubtaskID:    req.Subtask.ID,
			WorkerID:     workerID,
			Error:        res.Error,
		}, fmt.Sprintf("Worker %s reported that subtask %s failed", workerID, req.Subtask.ID)); err != nil {
			return model.SubtaskResult{}, err
		}
	}
	return res, nil
}

// requestInput is the user_input strategy.
func (c *Controller) requestInput(req scheduler.DispatchRequest, workerID string, cause error) model.SubtaskResult {
	reason := fmt.Sprintf("automation could not supply this: %v", cause)
	ui := c.inputRequest(req, workerID, reason)
	ui.Fallback = true
	return model.SubtaskResult{
		WorkerID:   workerID,
		Status:     model.SubtaskNeedsInput,
		Error:      cause.Error(),
		UIRequests: []model.UIRequest{ui},
	}
}

// deferred is the defer strategy: the phase proceeds without this subtask.
func (c *Controller) deferred(ctx context.Context, req scheduler.DispatchRequest, workerID string, cause error) (model.SubtaskResult, error) {
	if err := c.record(ctx, req.ContextID, model.SubtaskCompleted{
		Phase:        req.Phase,
		SubtaskIndex: req.Index,
		SubtaskID:    req.Subtask.ID,
		WorkerID:     workerID,
		Status:       model.SubtaskDelegatedStatus,
		CanProceed:   true,
	}, fmt.Sprintf("Subtask %s deferred; the phase continues without it", req.Subtask.ID)); err != nil {
		return model.SubtaskResult{}, err
	}
	return model.SubtaskResult{
		WorkerID:   workerID,
		Status:     model.SubtaskDelegatedStatus,
		CanProceed: true,
		Error:      cause.Error(),
		Reasoning:  "deferred",
	}, nil
}

func (c *Controller) inputRequest(req scheduler.DispatchRequest, workerID, reason string) model.UIRequest {
	title := req.Subtask.Description
	if title == "" {
		title = req.Subtask.ID
	}
	return model.UIRequest{
		ID:          uuid.NewString(),
		ContextID:   req.ContextID,
		Type:        model.RequestForm,
		Title:       "Input needed: " + title,
		Description: req.Subtask.Instruction,
		Reason:      reason,
		Phase:       req.Phase,
		SubtaskID:   req.Subtask.ID,
		WorkerID:    workerID,
		CreatedAt:   c.now().UTC(),
	}
}

// normalize fills in the routing fields of worker-produced requests.
func (c *Controller) normalize(req scheduler.DispatchRequest, workerID string, reqs []model.UIRequest) []model.UIRequest {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]model.UIRequest, len(reqs))
	for i, r := range reqs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Type == "" {
			r.Type = model.RequestForm
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = c.now().UTC()
		}
		r.ContextID = req.ContextID
		r.Phase = req.Phase
		r.SubtaskID = req.Subtask.ID
		r.WorkerID = workerID
		r.Fallback = false
		out[i] = r
	}
	return out
}

func (c *Controller) record(ctx context.Context, contextID string, p model.Payload, reasoning string) error {
	if c.recorder == nil {
		return nil
	}
	if err := c.recorder.Record(ctx, contextID, actor, p, reasoning); err != nil {
		return fmt.Errorf("record %s: %w", p.Operation(), err)
	}
	return nil
}
