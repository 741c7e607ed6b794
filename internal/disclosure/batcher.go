// Package disclosure batches user-input requests so the user is interrupted
// as rarely as possible. Requests queue per task and are released in
// batches of a minimum size, or all at once when a plan finishes.
package disclosure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/google/uuid"
)

// Batch is a set of requests released to the presentation layer together.
type Batch struct {
	ID        string            `json:"batchId"`
	ContextID string            `json:"contextId"`
	Requests  []model.UIRequest `json:"requests"`
	Reordered bool              `json:"reordered"`
	Forced    bool              `json:"forced"`
	CreatedAt time.Time         `json:"createdAt"`
}

// IDs returns the request ids of the batch in delivery order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Requests))
	for i, r := range b.Requests {
		ids[i] = r.ID
	}
	return ids
}

// Sink receives released batches.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
}

// Optimizer proposes a delivery order for a batch. planner.Planner
// satisfies it.
type Optimizer interface {
	OptimizeOrdering(ctx context.Context, reqs []model.UIRequest) ([]string, error)
}

// Recorder appends an entry to a task's history.
type Recorder interface {
	Record(ctx context.Context, contextID string, actor model.Actor, p model.Payload, reasoning string) error
}

// Observer is told about every released batch.
type Observer interface {
	BatchReleased(contextID string, size int, forced, reordered bool)
}

// Config configures a Batcher.
type Config struct {
	// Enabled turns batching on. When off, requests are delivered as soon
	// as they arrive.
	Enabled bool
	// MinBatchSize is the queue length that releases a batch (default 3).
	MinBatchSize int
	Optimizer    Optimizer
	// OptimizeTimeout bounds a single optimizer call (default 5s).
	OptimizeTimeout time.Duration
	Sink            Sink
	Recorder        Recorder
	Observer        Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

// Batcher queues user-input requests per task. Every request is delivered
// exactly once: duplicates by id are dropped on arrival.
type Batcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string][]model.UIRequest
	seen   map[string]map[string]bool
}

var actor = model.SystemActor("disclosure")

// New creates a Batcher.
func New(cfg Config) *Batcher {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 3
	}
	if cfg.OptimizeTimeout <= 0 {
		cfg.OptimizeTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:    cfg,
		logger: logger,
		queues: make(map[string][]model.UIRequest),
		seen:   make(map[string]map[string]bool),
	}
}

// Enabled reports whether requests are batched.
func (b *Batcher) Enabled() bool {
	return b.cfg.Enabled
}

// HandleUserInputRequests accepts the requests produced by a phase. With
// batching off they are delivered at once, and kept for the next Flush if
// delivery fails. With batching on they join the
// task's queue, and when the queue holds at least MinBatchSize requests the
// oldest MinBatchSize are released; the rest wait for the next trigger.
func (b *Batcher) HandleUserInputRequests(ctx context.Context, contextID string, reqs []model.UIRequest) error {
	b.mu.Lock()
	fresh := b.admit(contextID, reqs)
	if !b.cfg.Enabled {
		b.mu.Unlock()
		if len(fresh) == 0 {
			return nil
		}
		return b.releaseOrRequeue(ctx, contextID, fresh, false)
	}

	q := append(b.queues[contextID], fresh...)
	var out []model.UIRequest
	if len(q) >= b.cfg.MinBatchSize {
		out = append([]model.UIRequest(nil), q[:b.cfg.MinBatchSize]...)
		q = q[b.cfg.MinBatchSize:]
	}
	b.queues[contextID] = q
	b.mu.Unlock()

	if out == nil {
		b.logger.Debug("requests queued", "task", contextID, "queued", len(q), "min_batch", b.cfg.MinBatchSize)
		return nil
	}
	return b.releaseOrRequeue(ctx, contextID, out, false)
}

// Flush releases everything queued for a task as one forced batch. It is
// called when a plan finishes or blocks.
func (b *Batcher) Flush(ctx context.Context, contextID string) error {
	b.mu.Lock()
	out := b.queues[contextID]
	delete(b.queues, contextID)
	b.mu.Unlock()

	if len(out) == 0 {
		return nil
	}
	return b.releaseOrRequeue(ctx, contextID, out, true)
}

// Pending returns the requests queued for a task.
func (b *Batcher) Pending(contextID string) []model.UIRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.UIRequest(nil), b.queues[contextID]...)
}

// Clear forgets everything about a task. Called on terminal status.
func (b *Batcher) Clear(contextID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, contextID)
	delete(b.seen, contextID)
}

// Tracked returns the number of tasks with batcher state.
func (b *Batcher) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// admit drops requests already seen for the task. Caller holds b.mu.
func (b *Batcher) admit(contextID string, reqs []model.UIRequest) []model.UIRequest {
	seen := b.seen[contextID]
	if seen == nil {
		seen = make(map[string]bool)
		b.seen[contextID] = seen
	}
	var fresh []model.UIRequest
	for _, r := range reqs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		fresh = append(fresh, r)
	}
	return fresh
}

// releaseOrRequeue puts the requests back at the head of the queue when
// delivery fails, so they go out with the next batch.
func (b *Batcher) releaseOrRequeue(ctx context.Context, contextID string, reqs []model.UIRequest, forced bool) error {
	err := b.release(ctx, contextID, reqs, forced)
	if err != nil {
		b.mu.Lock()
		b.queues[contextID] = append(append([]model.UIRequest(nil), reqs...), b.queues[contextID]...)
		b.mu.Unlock()
	}
	return err
}

func (b *Batcher) release(ctx context.Context, contextID string, reqs []model.UIRequest, forced bool) error {
	ordered, reordered := b.optimize(ctx, contextID, reqs)
	batch := Batch{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Requests:  ordered,
		Reordered: reordered,
		Forced:    forced,
		CreatedAt: b.cfg.Now().UTC(),
	}

	if b.cfg.Sink != nil {
		if err := b.cfg.Sink.Deliver(ctx, batch); err != nil {
			return fmt.Errorf("deliver batch to %s: %w", contextID, err)
		}
	}
	if b.cfg.Recorder != nil {
		reason := fmt.Sprintf("Released %d request(s) to the user", len(ordered))
		if forced {
			reason += " at the end of the plan"
		}
		if err := b.cfg.Recorder.Record(ctx, contextID, actor, model.UIRequestsDelivered{
			BatchID:    batch.ID,
			RequestIDs: batch.IDs(),
			Reordered:  reordered,
			Forced:     forced,
		}, reason); err != nil {
			return fmt.Errorf("record batch for %s: %w", contextID, err)
		}
	}
	if b.cfg.Observer != nil {
		b.cfg.Observer.BatchReleased(contextID, len(ordered), forced, reordered)
	}
	b.logger.Info("request batch released", "task", contextID, "batch", batch.ID, "size", len(ordered), "forced", forced, "reordered", reordered)
	return nil
}

// optimize asks the optimizer for an order. Any failure, timeout or answer
// that is not a permutation of the batch keeps the original order.
func (b *Batcher) optimize(ctx context.Context, contextID string, reqs []model.UIRequest) ([]model.UIRequest, bool) {
	if b.cfg.Optimizer == nil || len(reqs) < 2 {
		return reqs, false
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OptimizeTimeout)
	defer cancel()

	ids, err := b.cfg.Optimizer.OptimizeOrdering(ctx, reqs)
	if err != nil {
		b.logger.Warn("request ordering failed, keeping original order", "task", contextID, "error", err)
		return reqs, false
	}
	ordered, ok := Permute(reqs, ids)
	if !ok {
		b.logger.Warn("optimizer returned an invalid ordering, keeping original order", "task", contextID, "ids", ids)
		return reqs, false
	}
	for i := range ordered {
		if ordered[i].ID != reqs[i].ID {
			return ordered, true
		}
	}
	return reqs, false
}

// Permute reorders reqs by ids. It fails unless ids name every request
// exactly once.
func Permute(reqs []model.UIRequest, ids []string) ([]model.UIRequest, bool) {
	if len(ids) != len(reqs) {
		return nil, false
	}
	byID := make(map[string]model.UIRequest, len(reqs))
	for _, r := range reqs {
		byID[r.ID] = r
	}
	out := make([]model.UIRequest, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, false
		}
		delete(byID, id)
		out = append(out, r)
	}
	return out, true
}
