package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
	MaxAttempts:     3,
}

type recorded struct {
	actor   model.Actor
	payload model.Payload
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recorded
	fail    error
}

func (r *fakeRecorder) Record(_ context.Context, _ string, actor model.Actor, p model.Payload, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.entries = append(r.entries, recorded{actor: actor, payload: p})
	return nil
}

func (r *fakeRecorder) ops() []model.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Operation, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.payload.Operation()
	}
	return out
}

func (r *fakeRecorder) last(op model.Operation) model.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].payload.Operation() == op {
			return r.entries[i].payload
		}
	}
	return nil
}

type observed struct {
	workerID string
	outcome  Outcome
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (o *fakeObserver) DispatchFinished(workerID string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observed{workerID, outcome})
}

func capab(id string, a model.Availability, s model.FallbackStrategy, skills ...string) model.AgentCapability {
	return model.AgentCapability{WorkerID: id, Role: id, Skills: skills, Availability: a, FallbackStrategy: s}
}

func returning(id string, res worker.Result) *worker.Func {
	return &worker.Func{WorkerID: id, DispatchFn: func(context.Context, worker.Instruction) (worker.Result, error) {
		return res, nil
	}}
}

func request(workerID string) scheduler.DispatchRequest {
	return scheduler.DispatchRequest{
		ContextID: "task-1",
		Phase:     "collect",
		Index:     0,
		Subtask: model.Subtask{
			ID:               "collect-1",
			AssignedWorkerID: workerID,
			Description:      "Collect the invoice number",
			Instruction:      "Find the invoice number in the uploaded document",
		},
		Input: map[string]any{"doc": "invoice.pdf"},
	}
}

func newController(dir capability.Directory, rec Recorder, opts ...func(*Config)) *Controller {
	cfg := Config{Directory: dir, Recorder: rec, Retry: fastRetry}
	for _, o := range opts {
		o(&cfg)
	}
	return NewController(cfg)
}

func TestDispatch_Success(t *testing.T) {
	var got worker.Instruction
	dir := capability.NewStatic().Add(capab("extractor", model.AvailabilityAvailable, model.FallbackUserInput), &worker.Func{
		WorkerID: "extractor",
		DispatchFn: func(_ context.Context, in worker.Instruction) (worker.Result, error) {
			got = in
			return worker.Result{Data: map[string]any{"invoice": "INV-7"}, Reasoning: "found it"}, nil
		},
	})
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	c := newController(dir, rec, func(cfg *Config) { cfg.Observer = obs })

	res, err := c.Dispatch(context.Background(), request("extractor"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskCompletedStatus, res.Status)
	assert.True(t, res.CanProceed)
	assert.Equal(t, "collect-1", res.SubtaskID)
	assert.Equal(t, "INV-7", res.Data["invoice"])
	assert.Equal(t, "invoice.pdf", got.InputData["doc"])
	assert.Equal(t, "Find the invoice number in the uploaded document", got.Text)
	assert.Equal(t, []model.Operation{model.OpSubtaskDelegated, model.OpSubtaskCompleted}, rec.ops())

	completed := rec.last(model.OpSubtaskCompleted).(model.SubtaskCompleted)
	assert.Equal(t, "extractor", completed.WorkerID)
	assert.True(t, completed.CanProceed)
	assert.Equal(t, []observed{{"extractor", OutcomeSuccess}}, obs.seen)
	assert.Equal(t, model.ActorSystem, rec.entries[0].actor.Type)
}

func TestDispatch_NotImplementedRequestsInput(t *testing.T) {
	dir := capability.NewStatic().Add(capab("signer", model.AvailabilityNotImplemented, model.FallbackUserInput), nil)
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("signer"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskNeedsInput, res.Status)
	assert.False(t, res.CanProceed)
	require.Len(t, res.UIRequests, 1)
	ui := res.UIRequests[0]
	assert.NotEmpty(t, ui.ID)
	assert.Equal(t, "task-1", ui.ContextID)
	assert.Equal(t, "collect", ui.Phase)
	assert.Equal(t, "collect-1", ui.SubtaskID)
	assert.Equal(t, "signer", ui.WorkerID)
	assert.Contains(t, ui.Title, "Collect the invoice number")
	assert.True(t, ui.Fallback)

	// Never dispatched, so no delegation entry.
	assert.Equal(t, []model.Operation{model.OpSubtaskFailed}, rec.ops())
	failed := rec.last(model.OpSubtaskFailed).(model.SubtaskFailed)
	assert.True(t, failed.Unavailable)
	assert.Equal(t, model.FallbackUserInput, failed.Strategy)
}

func TestDispatch_UnknownWorkerUsesDefaultStrategy(t *testing.T) {
	dir := capability.NewStatic()
	rec := &fakeRecorder{}
	c := newController(dir, rec, func(cfg *Config) { cfg.DefaultStrategy = model.FallbackDefer })

	res, err := c.Dispatch(context.Background(), request("ghost"))
	require.NoError(t, err)
	assert.Equal(t, model.SubtaskDelegatedStatus, res.Status)
	assert.True(t, res.CanProceed)
}

func TestDispatch_AlternativeWorker(t *testing.T) {
	dir := capability.NewStatic().
		Add(capab("ocr-primary", model.AvailabilityOffline, model.FallbackAlternativeWorker, "ocr", "pdf"), nil).
		Add(capab("notifier", model.AvailabilityAvailable, model.FallbackDefer, "email"), returning("notifier", worker.Result{})).
		Add(capab("ocr-backup", model.AvailabilityAvailable, model.FallbackDefer, "ocr"),
			returning("ocr-backup", worker.Result{Data: map[string]any{"text": "hello"}}))
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("ocr-primary"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskCompletedStatus, res.Status)
	assert.Equal(t, "ocr-backup", res.WorkerID)
	assert.Equal(t, "ocr-backup", res.Substitute)
	assert.Equal(t, "hello", res.Data["text"])
	assert.Equal(t, []model.Operation{
		model.OpSubtaskFailed,
		model.OpWorkerSubstituted,
		model.OpSubtaskDelegated,
		model.OpSubtaskCompleted,
	}, rec.ops())

	sub := rec.last(model.OpWorkerSubstituted).(model.WorkerSubstituted)
	assert.Equal(t, "ocr-primary", sub.From)
	assert.Equal(t, "ocr-backup", sub.To)
	assert.Equal(t, []string{"ocr"}, sub.SharedSkills)
}

func TestDispatch_SubstituteIsNeverSubstitutedAgain(t *testing.T) {
	down := func(context.Context, worker.Instruction) (worker.Result, error) {
		return worker.Result{}, errors.New("connection refused")
	}
	dir := capability.NewStatic().
		Add(capab("a", model.AvailabilityOffline, model.FallbackAlternativeWorker, "ocr"), nil).
		Add(capab("b", model.AvailabilityAvailable, model.FallbackAlternativeWorker, "ocr"), &worker.Func{WorkerID: "b", DispatchFn: down}).
		Add(capab("c", model.AvailabilityAvailable, model.FallbackAlternativeWorker, "ocr"), &worker.Func{WorkerID: "c", DispatchFn: down})
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("a"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskDelegatedStatus, res.Status)
	assert.Equal(t, "b", res.Substitute)

	substitutions := 0
	for _, op := range rec.ops() {
		if op == model.OpWorkerSubstituted {
			substitutions++
		}
	}
	assert.Equal(t, 1, substitutions)
	failed := rec.last(model.OpSubtaskFailed).(model.SubtaskFailed)
	assert.Equal(t, "b", failed.WorkerID)
	assert.Equal(t, model.FallbackDefer, failed.Strategy)
}

func TestDispatch_NoAlternativeDefers(t *testing.T) {
	dir := capability.NewStatic().
		Add(capab("ocr", model.AvailabilityBusy, model.FallbackAlternativeWorker, "ocr"), nil).
		Add(capab("mailer", model.AvailabilityAvailable, model.FallbackDefer, "email"), returning("mailer", worker.Result{}))
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("ocr"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskDelegatedStatus, res.Status)
	assert.True(t, res.CanProceed)
	assert.Empty(t, res.Substitute)
	assert.Equal(t, []model.Operation{model.OpSubtaskFailed, model.OpSubtaskCompleted}, rec.ops())
	completed := rec.last(model.OpSubtaskCompleted).(model.SubtaskCompleted)
	assert.Equal(t, model.SubtaskDelegatedStatus, completed.Status)
}

func TestDispatch_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	dir := capability.NewStatic().Add(capab("flaky", model.AvailabilityAvailable, model.FallbackDefer), &worker.Func{
		WorkerID: "flaky",
		DispatchFn: func(context.Context, worker.Instruction) (worker.Result, error) {
			calls.Add(1)
			return worker.Result{}, errors.New("timeout talking to upstream")
		},
	})
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	c := newController(dir, rec, func(cfg *Config) { cfg.Observer = obs })

	res, err := c.Dispatch(context.Background(), request("flaky"))
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, model.SubtaskDelegatedStatus, res.Status)
	failed := rec.last(model.OpSubtaskFailed).(model.SubtaskFailed)
	assert.False(t, failed.Unavailable)
	assert.Contains(t, failed.Error, "after 3 attempts")
	assert.Equal(t, []observed{{"flaky", OutcomeFailed}}, obs.seen)
}

func TestDispatch_TransientErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	dir := capability.NewStatic().Add(capab("flaky", model.AvailabilityAvailable, model.FallbackDefer), &worker.Func{
		WorkerID: "flaky",
		DispatchFn: func(context.Context, worker.Instruction) (worker.Result, error) {
			if calls.Add(1) < 2 {
				return worker.Result{}, errors.New("try again")
			}
			return worker.Result{Data: map[string]any{"ok": true}}, nil
		},
	})
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("flaky"))
	require.NoError(t, err)
	assert.Equal(t, model.SubtaskCompletedStatus, res.Status)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDispatch_PanicIsAFailure(t *testing.T) {
	dir := capability.NewStatic().Add(capab("crashy", model.AvailabilityAvailable, model.FallbackUserInput), &worker.Func{
		WorkerID: "crashy",
		DispatchFn: func(context.Context, worker.Instruction) (worker.Result, error) {
			panic("nil map write")
		},
	})
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("crashy"))
	require.NoError(t, err)
	assert.Equal(t, model.SubtaskNeedsInput, res.Status)
	assert.Contains(t, res.Error, "panicked")
	require.Len(t, res.UIRequests, 1)
}

func TestDispatch_OpenBreakerMeansUnavailable(t *testing.T) {
	var calls atomic.Int32
	dir := capability.NewStatic().Add(capab("fragile", model.AvailabilityAvailable, model.FallbackDefer), &worker.Func{
		WorkerID: "fragile",
		DispatchFn: func(context.Context, worker.Instruction) (worker.Result, error) {
			calls.Add(1)
			return worker.Result{}, errors.New("boom")
		},
	})
	rec := &fakeRecorder{}
	breakers := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour}, nil, nil)
	c := newController(dir, rec, func(cfg *Config) {
		cfg.Breakers = breakers
		cfg.Retry = RetryConfig{InitialInterval: time.Millisecond, MaxAttempts: 1}
	})

	_, err := c.Dispatch(context.Background(), request("fragile"))
	require.NoError(t, err)
	require.True(t, breakers.Open("fragile"))

	res, err := c.Dispatch(context.Background(), request("fragile"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load(), "an open breaker must not let calls through")
	assert.Equal(t, model.SubtaskDelegatedStatus, res.Status)
	failed := rec.last(model.OpSubtaskFailed).(model.SubtaskFailed)
	assert.True(t, failed.Unavailable)
	assert.Contains(t, failed.Error, "circuit breaker")
}

func TestDispatch_WorkerReportedFailureHasNoFallback(t *testing.T) {
	dir := capability.NewStatic().
		Add(capab("validator", model.AvailabilityAvailable, model.FallbackAlternativeWorker, "validate"),
			returning("validator", worker.Result{Status: model.SubtaskFailedStatus, Reasoning: "checksum mismatch"})).
		Add(capab("validator-2", model.AvailabilityAvailable, model.FallbackDefer, "validate"), returning("validator-2", worker.Result{}))
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("validator"))
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskFailedStatus, res.Status)
	assert.Equal(t, "checksum mismatch", res.Error)
	assert.Equal(t, []model.Operation{model.OpSubtaskDelegated, model.OpSubtaskFailed}, rec.ops())
	failed := rec.last(model.OpSubtaskFailed).(model.SubtaskFailed)
	assert.Empty(t, failed.Strategy)
}

func TestDispatch_NeedsInputRequestsAreNormalized(t *testing.T) {
	dir := capability.NewStatic().
		Add(capab("asker", model.AvailabilityAvailable, model.FallbackUserInput),
			returning("asker", worker.Result{
				Status:     model.SubtaskNeedsInput,
				UIRequests: []model.UIRequest{{Title: "Which currency?", Fallback: true}},
			})).
		Add(capab("mute", model.AvailabilityAvailable, model.FallbackUserInput),
			returning("mute", worker.Result{Status: model.SubtaskNeedsInput, Reasoning: "missing tax id"}))
	rec := &fakeRecorder{}
	c := newController(dir, rec)

	res, err := c.Dispatch(context.Background(), request("asker"))
	require.NoError(t, err)
	require.Len(t, res.UIRequests, 1)
	ui := res.UIRequests[0]
	assert.Equal(t, "Which currency?", ui.Title)
	assert.NotEmpty(t, ui.ID)
	assert.Equal(t, model.RequestForm, ui.Type)
	assert.Equal(t, "task-1", ui.ContextID)
	assert.Equal(t, "asker", ui.WorkerID)
	assert.False(t, ui.CreatedAt.IsZero())
	assert.False(t, ui.Fallback, "a worker's own question re-runs the worker once answered")

	res, err = c.Dispatch(context.Background(), request("mute"))
	require.NoError(t, err)
	require.Len(t, res.UIRequests, 1)
	assert.Equal(t, "missing tax id", res.UIRequests[0].Reason)
}

func TestDispatch_RecordFailureAborts(t *testing.T) {
	dir := capability.NewStatic().Add(capab("extractor", model.AvailabilityAvailable, model.FallbackUserInput), returning("extractor", worker.Result{}))
	rec := &fakeRecorder{fail: errors.New("disk full")}
	c := newController(dir, rec)

	_, err := c.Dispatch(context.Background(), request("extractor"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
