// Package orchestrator is the single entry point of the engine. It sequences
// plan generation, phase execution, request batching, the goal check and
// task-level recovery for every task, one run per task at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/capability"
	"github.com/aristath/taskflow/internal/disclosure"
	"github.com/aristath/taskflow/internal/eventlog"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/resilience"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/google/uuid"
)

// StatusNotifier is told about status changes the user can act on.
type StatusNotifier interface {
	NotifyStatus(contextID string, status model.TaskStatus, reason string)
}

// Observer is told about phase outcomes and the number of running tasks.
type Observer interface {
	PhaseFinished(phase string, status model.PhaseStatus, d time.Duration)
	ActiveTasks(n int)
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Store      persistence.Store
	Log        *eventlog.Log
	Directory  capability.Directory
	Generator  *plan.Generator
	Scheduler  *scheduler.Scheduler
	Resilience *resilience.Controller
	Batcher    *disclosure.Batcher
	Notifier   StatusNotifier
	Bus        *events.EventBus
	Observer   Observer
	// FailurePolicy applies when a phase or the plan fails (default degrade).
	FailurePolicy model.FailurePolicy
	// GuidanceTimeout bounds the planner call of the guide policy.
	GuidanceTimeout time.Duration
	// MailboxSize bounds the help requests workers can post per phase
	// (default 32).
	MailboxSize int
	// Owner names this process in run leases (default a random id).
	Owner string
	// LeaseTTL is how long a run lease lasts without renewal (default 2m).
	// Runs renew their lease every third of it.
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator drives tasks from creation to a terminal or waiting state.
// Construct one per process and share it.
type Orchestrator struct {
	store      persistence.Store
	log        *eventlog.Log
	directory  capability.Directory
	generator  *plan.Generator
	scheduler  *scheduler.Scheduler
	resilience *resilience.Controller
	batcher    *disclosure.Batcher
	notifier   StatusNotifier
	bus        *events.EventBus
	observer   Observer
	policy     model.FailurePolicy
	guidance   time.Duration
	mailbox    int
	owner      string
	leaseTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*execution
}

// execution is the in-memory tracking of one running task.
type execution struct {
	started time.Time
	mailbox *Mailbox
	stop    context.CancelFunc
	renewed chan struct{}
}

const defaultLeaseTTL = 2 * time.Minute

// NewTask describes a task to create.
type NewTask struct {
	// ContextID is generated when empty.
	ContextID   string
	TemplateID  string
	TenantID    string
	Metadata    model.TaskMetadata
	InitialData map[string]any
	Trigger     *model.Trigger
}

var actor = model.SystemActor("orchestrator")

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	policy := cfg.FailurePolicy
	switch policy {
	case model.PolicyDegrade, model.PolicyGuide, model.PolicyFail:
	default:
		policy = model.PolicyDegrade
	}
	owner := cfg.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	batcher := cfg.Batcher
	if batcher == nil {
		batcher = disclosure.New(disclosure.Config{Recorder: cfg.Log, Logger: logger})
	}
	return &Orchestrator{
		store:      cfg.Store,
		log:        cfg.Log,
		directory:  cfg.Directory,
		generator:  cfg.Generator,
		scheduler:  cfg.Scheduler,
		resilience: cfg.Resilience,
		batcher:    batcher,
		notifier:   cfg.Notifier,
		bus:        cfg.Bus,
		observer:   cfg.Observer,
		policy:     policy,
		guidance:   cfg.GuidanceTimeout,
		mailbox:    cfg.MailboxSize,
		owner:      owner,
		leaseTTL:   ttl,
		logger:     logger,
		now:        now,
		active:     make(map[string]*execution),
	}
}

// CreateTask writes the task row and its task_created entry. The entry's
// notification is what starts orchestration when Listen is running.
func (o *Orchestrator) CreateTask(ctx context.Context, nt NewTask) (model.TaskContext, error) {
	id := nt.ContextID
	if id == "" {
		id = uuid.NewString()
	}
	task := model.TaskContext{
		ContextID:  id,
		TemplateID: nt.TemplateID,
		TenantID:   nt.TenantID,
		Metadata:   nt.Metadata,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return model.TaskContext{}, fmt.Errorf("create task %s: %w", id, err)
	}

	reasoning := fmt.Sprintf("Task submitted from template %q", nt.TemplateID)
	if nt.Metadata.Title != "" {
		reasoning = fmt.Sprintf("Task %q submitted from template %q", nt.Metadata.Title, nt.TemplateID)
	}
	entry, st, err := o.log.Append(ctx, id, eventlog.Record{
		Actor: actor,
		Payload: model.TaskCreated{
			TemplateID:  nt.TemplateID,
			TenantID:    nt.TenantID,
			Metadata:    nt.Metadata,
			InitialData: nt.InitialData,
		},
		Reasoning: reasoning,
		Trigger:   nt.Trigger,
	})
	if err != nil {
		return model.TaskContext{}, err
	}
	task.History = []model.ContextEntry{entry}
	task.CurrentState = st
	o.logger.Info("task created", "task", id, "template", nt.TemplateID)
	return task, nil
}

// State replays a task's history.
func (o *Orchestrator) State(ctx context.Context, contextID string) (model.ComputedState, error) {
	return o.log.State(ctx, contextID)
}

// StateAt replays a task's history up to sequence number seq.
func (o *Orchestrator) StateAt(ctx context.Context, contextID string, seq int) (model.ComputedState, error) {
	return o.log.StateAt(ctx, contextID, seq)
}

// History returns a task's full history.
func (o *Orchestrator) History(ctx context.Context, contextID string) ([]model.ContextEntry, error) {
	return o.log.History(ctx, contextID)
}

// ActiveExecutions returns the ids of tasks with a run in progress.
func (o *Orchestrator) ActiveExecutions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tracked reports whether any in-memory structure still holds the task.
func (o *Orchestrator) Tracked(contextID string) bool {
	o.mu.Lock()
	_, running := o.active[contextID]
	o.mu.Unlock()
	return running || len(o.batcher.Pending(contextID)) > 0
}

// begin claims the task for one run: in memory against runs of this
// process, and through the store's run lease against other processes.
func (o *Orchestrator) begin(ctx context.Context, contextID string) (*execution, error) {
	o.mu.Lock()
	if _, ok := o.active[contextID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrAlreadyRunning, contextID)
	}
	ex := &execution{started: o.now(), mailbox: NewMailbox(contextID, o.mailbox)}
	o.active[contextID] = ex
	o.mu.Unlock()

	if err := o.claim(ctx, contextID); err != nil {
		o.mu.Lock()
		delete(o.active, contextID)
		o.mu.Unlock()
		return nil, err
	}

	hb, stop := context.WithCancel(context.WithoutCancel(ctx))
	ex.stop = stop
	ex.renewed = make(chan struct{})
	go o.heartbeat(hb, contextID, ex.renewed)

	o.mu.Lock()
	n := len(o.active)
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.ActiveTasks(n)
	}
	return ex, nil
}

func (o *Orchestrator) claim(ctx context.Context, contextID string) error {
	now := o.now()
	ok, err := o.store.ClaimTask(ctx, contextID, o.owner, now.Add(o.leaseTTL), now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is held by another process", model.ErrAlreadyRunning, contextID)
	}
	return nil
}

// heartbeat renews the run lease until ctx is done.
func (o *Orchestrator) heartbeat(ctx context.Context, contextID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.claim(ctx, contextID); err != nil && ctx.Err() == nil {
				o.logger.Warn("run lease renewal failed", "task", contextID, "owner", o.owner, "error", err)
			}
		}
	}
}

func (o *Orchestrator) end(ctx context.Context, contextID string, ex *execution) {
	ex.stop()
	<-ex.renewed
	ex.mailbox.Close()
	if err := o.store.ReleaseTask(context.WithoutCancel(ctx), contextID, o.owner); err != nil {
		o.logger.Warn("run lease release failed, it expires on its own", "task", contextID, "error", err)
	}

	o.mu.Lock()
	delete(o.active, contextID)
	n := len(o.active)
	o.mu.Unlock()

	if o.observer != nil {
		o.observer.ActiveTasks(n)
	}
}

// release drops per-task structures once the task is terminal.
func (o *Orchestrator) release(contextID string) {
	o.batcher.Clear(contextID)
}

// Listen starts orchestration for every task_created notification on the
// bus until ctx is done. Runs for different tasks proceed concurrently.
func (o *Orchestrator) Listen(ctx context.Context) error {
	if o.bus == nil {
		return fmt.Errorf("listen: no event bus configured")
	}
	sub := o.bus.Subscribe(events.TopicTaskCreated, 64)
	defer o.bus.Unsubscribe(sub)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			contextID := ev.TaskID()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := o.OrchestrateTask(ctx, contextID)
				switch {
				case err == nil:
				case errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, model.ErrTerminalTask):
					o.logger.Debug("task not started", "task", contextID, "reason", err)
				default:
					o.logger.Error("orchestration failed", "task", contextID, "error", err)
				}
			}()
		}
	}
}
