package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/model"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTask(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	task := model.TaskContext{
		ContextID:  id,
		TemplateID: "onboarding",
		TenantID:   "acme",
		Metadata: model.TaskMetadata{
			Title: "Onboard customer",
			Goals: model.UnstructuredGoals("account opened"),
		},
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
}

func newEntry(id string, p model.Payload) model.ContextEntry {
	return model.ContextEntry{
		EntryID:   id,
		Timestamp: time.Date(2026, 2, 1, 9, 0, 1, 500, time.UTC),
		Actor:     model.SystemActor("test"),
		Operation: p.Operation(),
		Data:      p,
		Reasoning: "because the test says so",
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-1")

	task, err := store.GetTask(ctx, "ctx-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.TemplateID != "onboarding" || task.TenantID != "acme" {
		t.Errorf("task row mismatch: %+v", task)
	}
	if task.Metadata.Title != "Onboard customer" {
		t.Errorf("Title mismatch: got %q", task.Metadata.Title)
	}
	if got := task.Metadata.Goals.Descriptions(); len(got) != 1 || got[0] != "account opened" {
		t.Errorf("Goals mismatch: got %v", got)
	}
	if !task.CreatedAt.Equal(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt mismatch: got %v", task.CreatedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, model.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	store := testStore(t)
	createTask(t, store, "dup")

	err := store.CreateTask(context.Background(), model.TaskContext{ContextID: "dup", CreatedAt: time.Now()})
	if err == nil {
		t.Fatal("expected error inserting a duplicate task")
	}
}

func TestAppendAndReadHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-h")

	payloads := []model.Payload{
		model.TaskCreated{TemplateID: "onboarding", InitialData: map[string]any{"customer": "Ada"}},
		model.PhaseStarted{Phase: "collect"},
		model.UnknownPayload{Op: "crm_synced", Fields: map[string]any{"records": 2.0}},
	}
	for i, p := range payloads {
		e := newEntry(fmt.Sprintf("e-%d", i), p)
		if i == 1 {
			e.Trigger = &model.Trigger{Type: "user", RequestID: "req-1"}
		}
		seq, err := store.AppendEntry(ctx, "ctx-h", e)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != i+1 {
			t.Errorf("append %d got sequence %d, want %d", i, seq, i+1)
		}
	}

	history, err := store.ReadHistory(ctx, "ctx-h")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if err := model.ValidateHistory(history); err != nil {
		t.Fatalf("history invalid: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}

	created, ok := history[0].Data.(model.TaskCreated)
	if !ok || created.InitialData["customer"] != "Ada" {
		t.Errorf("task_created payload = %#v", history[0].Data)
	}
	if history[1].Trigger == nil || history[1].Trigger.RequestID != "req-1" {
		t.Errorf("trigger lost: %+v", history[1].Trigger)
	}
	unknown, ok := history[2].Data.(model.UnknownPayload)
	if !ok || unknown.Operation() != "crm_synced" || unknown.Fields["records"] != 2.0 {
		t.Errorf("unknown payload = %#v", history[2].Data)
	}
	if history[0].Timestamp.Nanosecond() != 500 {
		t.Errorf("timestamp precision lost: %v", history[0].Timestamp)
	}
}

func TestAppendEntryRejectsEmptyReasoning(t *testing.T) {
	store := testStore(t)
	createTask(t, store, "ctx-r")

	e := newEntry("e-1", model.PhaseStarted{Phase: "x"})
	e.Reasoning = ""
	if _, err := store.AppendEntry(context.Background(), "ctx-r", e); err == nil {
		t.Fatal("expected error for empty reasoning")
	}
}

func TestAppendEntryUnknownTask(t *testing.T) {
	store := testStore(t)

	_, err := store.AppendEntry(context.Background(), "ghost", newEntry("e-1", model.PhaseStarted{}))
	if err == nil {
		t.Fatal("expected foreign key error appending to a missing task")
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-c")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := newEntry(fmt.Sprintf("c-%d", i), model.SubtaskDelegated{Phase: "p", SubtaskIndex: i})
			if _, err := store.AppendEntry(ctx, "ctx-c", e); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}

	history, err := store.ReadHistory(ctx, "ctx-c")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(history) != n {
		t.Fatalf("history length = %d, want %d", len(history), n)
	}
	if err := model.ValidateHistory(history); err != nil {
		t.Errorf("history not gapless: %v", err)
	}
}

func TestComputedStateUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-s")

	if _, err := store.GetComputedState(ctx, "ctx-s"); !errors.Is(err, model.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound before first upsert, got %v", err)
	}

	st := model.ComputedState{
		Status:         model.StatusInProgress,
		Phase:          "collect",
		Completeness:   40,
		Data:           map[string]any{"k": "v"},
		SequenceNumber: 3,
	}
	if err := store.UpsertComputedState(ctx, "ctx-s", st); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// An older projection must not overwrite a newer one.
	stale := st
	stale.SequenceNumber = 2
	stale.Status = model.StatusPending
	if err := store.UpsertComputedState(ctx, "ctx-s", stale); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}

	got, err := store.GetComputedState(ctx, "ctx-s")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.Status != model.StatusInProgress || got.SequenceNumber != 3 || got.Data["k"] != "v" {
		t.Errorf("cached state = %+v", got)
	}

	ids, err := store.ListTasksByStatus(ctx, model.StatusInProgress)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ctx-s" {
		t.Errorf("ListTasksByStatus = %v", ids)
	}

	task, err := store.GetTask(ctx, "ctx-s")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.CurrentState.Phase != "collect" {
		t.Errorf("GetTask did not attach cached state: %+v", task.CurrentState)
	}
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "a")
	createTask(t, store, "b")
	if err := store.UpsertComputedState(ctx, "b", model.ComputedState{Status: model.StatusCompleted, SequenceNumber: 5}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ContextID != "a" || tasks[1].ContextID != "b" {
		t.Errorf("unexpected order: %s, %s", tasks[0].ContextID, tasks[1].ContextID)
	}
	if tasks[1].CurrentState.Status != model.StatusCompleted {
		t.Errorf("task b state = %s", tasks[1].CurrentState.Status)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	createTask(t, a, "only-in-a")

	if _, err := b.GetTask(context.Background(), "only-in-a"); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("memory stores share rows: %v", err)
	}
}
