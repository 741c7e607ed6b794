// Package eventlog is the single write path for task history. An append
// persists the entry, recomputes the state from the full history, refreshes
// the computed-state cache and emits a change notification, all inside a
// per-task critical section.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/state"
	"github.com/google/uuid"
)

// Record is what a component wants appended. Identity, timestamp and
// sequence number are assigned by the log.
type Record struct {
	Actor     model.Actor
	Payload   model.Payload
	Reasoning string
	Trigger   *model.Trigger
}

// Observer is told about every successful append.
type Observer interface {
	EntryAppended(entry model.ContextEntry, st model.ComputedState)
}

// Config configures a Log.
type Config struct {
	Store    persistence.Store
	Computer *state.Computer
	Bus      *events.EventBus
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Log appends entries to task histories.
type Log struct {
	store    persistence.Store
	computer *state.Computer
	bus      *events.EventBus
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	locks    *contextLocks
}

// New creates a Log.
func New(cfg Config) *Log {
	computer := cfg.Computer
	if computer == nil {
		computer = state.NewComputer(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:    cfg.Store,
		computer: computer,
		bus:      cfg.Bus,
		observer: cfg.Observer,
		logger:   logger,
		now:      now,
		locks:    newContextLocks(),
	}
}

// Computer returns the state computer the log projects with.
func (l *Log) Computer() *state.Computer {
	return l.computer
}

// Append writes one entry and returns it with the state it produced. A store
// failure wraps model.ErrPersistenceAppendFailed and must abort the caller's
// run.
func (l *Log) Append(ctx context.Context, contextID string, rec Record) (model.ContextEntry, model.ComputedState, error) {
	if rec.Payload == nil {
		return model.ContextEntry{}, model.ComputedState{}, fmt.Errorf("append to %s: nil payload", contextID)
	}
	if rec.Reasoning == "" {
		return model.ContextEntry{}, model.ComputedState{}, fmt.Errorf("append %s to %s: reasoning is required", rec.Payload.Operation(), contextID)
	}

	l.locks.Lock(contextID)
	defer l.locks.Unlock(contextID)

	entry := model.ContextEntry{
		EntryID:   uuid.NewString(),
		Timestamp: l.now().UTC(),
		Actor:     rec.Actor,
		Operation: rec.Payload.Operation(),
		Data:      rec.Payload,
		Reasoning: rec.Reasoning,
		Trigger:   rec.Trigger,
	}

	seq, err := l.store.AppendEntry(ctx, contextID, entry)
	if err != nil {
		return model.ContextEntry{}, model.ComputedState{}, fmt.Errorf("%w: %s on %s: %v", model.ErrPersistenceAppendFailed, entry.Operation, contextID, err)
	}
	entry.SequenceNumber = seq

	history, err := l.store.ReadHistory(ctx, contextID)
	if err != nil {
		return entry, model.ComputedState{}, fmt.Errorf("%w: reread history of %s: %v", model.ErrPersistenceAppendFailed, contextID, err)
	}
	st := l.computer.Compute(history)

	if err := l.store.UpsertComputedState(ctx, contextID, st); err != nil {
		// The cache is not authoritative; the next append or read repairs it.
		l.logger.Warn("computed state cache update failed", "task", contextID, "seq", seq, "error", err)
	}

	if l.observer != nil {
		l.observer.EntryAppended(entry, st)
	}
	l.publish(contextID, entry)
	return entry, st, nil
}

// Record appends an entry without a trigger. It lets components that only
// write history depend on a narrow interface.
func (l *Log) Record(ctx context.Context, contextID string, actor model.Actor, p model.Payload, reasoning string) error {
	_, _, err := l.Append(ctx, contextID, Record{Actor: actor, Payload: p, Reasoning: reasoning})
	return err
}

func (l *Log) publish(contextID string, entry model.ContextEntry) {
	if l.bus == nil {
		return
	}
	payload, err := model.EncodePayload(entry.Data)
	if err != nil {
		l.logger.Warn("notification payload encoding failed", "task", contextID, "operation", entry.Operation, "error", err)
	}
	l.bus.Publish(events.Notification{
		Task:      contextID,
		Type:      string(entry.Operation),
		Sequence:  entry.SequenceNumber,
		Payload:   payload,
		Timestamp: entry.Timestamp,
	})
}

// History returns a task's full history.
func (l *Log) History(ctx context.Context, contextID string) ([]model.ContextEntry, error) {
	history, err := l.store.ReadHistory(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", contextID, err)
	}
	return history, nil
}

// State replays a task's history.
func (l *Log) State(ctx context.Context, contextID string) (model.ComputedState, error) {
	history, err := l.History(ctx, contextID)
	if err != nil {
		return model.ComputedState{}, err
	}
	return l.computer.Compute(history), nil
}

// StateAt replays a task's history up to and including sequence number seq.
func (l *Log) StateAt(ctx context.Context, contextID string, seq int) (model.ComputedState, error) {
	history, err := l.History(ctx, contextID)
	if err != nil {
		return model.ComputedState{}, err
	}
	return l.computer.ComputeAtSequence(history, seq), nil
}
