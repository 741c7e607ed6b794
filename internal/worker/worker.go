// Package worker defines the dispatch contract every worker implements and
// the registry the scheduler resolves workers through.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskflow/internal/model"
	"golang.org/x/sync/singleflight"
)

// Worker executes subtask instructions. Its internals are opaque to the
// scheduler; only the Result shape matters.
type Worker interface {
	ID() string
	Skills() []string
	Dispatch(ctx context.Context, in Instruction) (Result, error)
}

// Outbox is the one-directional channel a worker uses to ask the user for
// help while it runs. Posting never calls back into the orchestrator.
type Outbox interface {
	Post(ctx context.Context, req model.UIRequest) error
}

// Instruction is what a worker receives for one subtask.
type Instruction struct {
	ContextID       string         `json:"contextId"`
	Phase           string         `json:"phase"`
	SubtaskID       string         `json:"subtaskId"`
	Description     string         `json:"description"`
	Text            string         `json:"instruction"`
	InputData       map[string]any `json:"inputData,omitempty"`
	ExpectedOutput  string         `json:"expectedOutput,omitempty"`
	SuccessCriteria []string       `json:"successCriteria,omitempty"`
	Outbox          Outbox         `json:"-"`
}

// Result is the only shape the scheduler depends on.
type Result struct {
	Status     model.SubtaskStatus `json:"status"`
	Data       map[string]any      `json:"data,omitempty"`
	UIRequests []model.UIRequest   `json:"uiRequests,omitempty"`
	Reasoning  string              `json:"reasoning,omitempty"`
}

// Resolver produces a worker for an id on a registry miss.
type Resolver interface {
	ResolveWorker(ctx context.Context, workerID, contextID string) (Worker, error)
}

// Registry maps worker ids to implementations. It is populated lazily:
// a miss resolves through the Resolver once, concurrent misses for the
// same id share that single resolution, and the result is cached.
type Registry struct {
	resolver Resolver

	mu      sync.RWMutex
	workers map[string]Worker
	group   singleflight.Group
}

// NewRegistry creates a Registry backed by resolver. resolver may be nil,
// in which case only registered workers are found.
func NewRegistry(resolver Resolver) *Registry {
	return &Registry{
		resolver: resolver,
		workers:  make(map[string]Worker),
	}
}

// Register adds or replaces a worker.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.ID()] = w
}

// Get returns the worker for id, resolving and caching it on first use.
func (r *Registry) Get(ctx context.Context, workerID, contextID string) (Worker, error) {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if ok {
		return w, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("worker %q is not registered", workerID)
	}

	v, err, _ := r.group.Do(workerID, func() (any, error) {
		r.mu.RLock()
		w, ok := r.workers[workerID]
		r.mu.RUnlock()
		if ok {
			return w, nil
		}

		w, err := r.resolver.ResolveWorker(ctx, workerID, contextID)
		if err != nil {
			return nil, err
		}
		r.Register(w)
		return w, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve worker %q: %w", workerID, err)
	}
	return v.(Worker), nil
}

// Len returns the number of cached workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Func is a worker backed by a Go function. It serves in-process workers and tests.
type Func struct {
	WorkerID   string
	SkillSet   []string
	DispatchFn func(ctx context.Context, in Instruction) (Result, error)
}

func (f *Func) ID() string       { return f.WorkerID }
func (f *Func) Skills() []string { return f.SkillSet }

func (f *Func) Dispatch(ctx context.Context, in Instruction) (Result, error) {
	if f.DispatchFn == nil {
		return Result{Status: model.SubtaskCompletedStatus}, nil
	}
	return f.DispatchFn(ctx, in)
}
