package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/model"
)

func TestClaimTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-1")

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ttl := time.Minute

	ok, err := store.ClaimTask(ctx, "ctx-1", "proc-a", now.Add(ttl), now)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true", ok, err)
	}

	ok, err = store.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(ttl), now.Add(time.Second))
	if err != nil {
		t.Fatalf("ClaimTask() error: %v", err)
	}
	if ok {
		t.Error("proc-b claimed a task under a live lease")
	}

	// The holder renews.
	ok, err = store.ClaimTask(ctx, "ctx-1", "proc-a", now.Add(2*ttl), now.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("renewal = %v, %v; want true", ok, err)
	}

	// Still live after the original deadline because of the renewal.
	ok, _ = store.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(3*ttl), now.Add(ttl+time.Second))
	if ok {
		t.Error("proc-b took over a renewed lease")
	}

	// Expired: anyone may take over.
	ok, err = store.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(4*ttl), now.Add(2*ttl+time.Second))
	if err != nil || !ok {
		t.Fatalf("takeover = %v, %v; want true", ok, err)
	}
}

func TestReleaseTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createTask(t, store, "ctx-1")
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if ok, err := store.ClaimTask(ctx, "ctx-1", "proc-a", now.Add(time.Hour), now); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}

	// A non-holder cannot release.
	if err := store.ReleaseTask(ctx, "ctx-1", "proc-b"); err != nil {
		t.Fatalf("ReleaseTask() error: %v", err)
	}
	if ok, _ := store.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(time.Hour), now); ok {
		t.Error("lease released by a non-holder")
	}

	if err := store.ReleaseTask(ctx, "ctx-1", "proc-a"); err != nil {
		t.Fatalf("ReleaseTask() error: %v", err)
	}
	if ok, err := store.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(time.Hour), now); err != nil || !ok {
		t.Errorf("claim after release = %v, %v; want true", ok, err)
	}
}

func TestClaimTask_UnknownTask(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	_, err := store.ClaimTask(context.Background(), "missing", "proc-a", now.Add(time.Minute), now)
	if !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
	if _, err := store.ClaimTask(context.Background(), "missing", "", now, now); err == nil {
		t.Error("claim without an owner should fail")
	}
}

func TestClaimTask_SharedDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	a, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer b.Close()

	createTask(t, a, "ctx-1")
	now := time.Now()
	if ok, err := a.ClaimTask(ctx, "ctx-1", "proc-a", now.Add(time.Minute), now); err != nil || !ok {
		t.Fatalf("claim through a = %v, %v", ok, err)
	}
	if ok, err := b.ClaimTask(ctx, "ctx-1", "proc-b", now.Add(time.Minute), now); err != nil || ok {
		t.Errorf("claim through b = %v, %v; want false", ok, err)
	}
}

func TestInitSchema_AddsLeaseColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE tasks (
			context_id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	db.Close()

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()

	createTask(t, store, "ctx-1")
	now := time.Now()
	if ok, err := store.ClaimTask(ctx, "ctx-1", "proc-a", now.Add(time.Minute), now); err != nil || !ok {
		t.Errorf("claim on migrated schema = %v, %v", ok, err)
	}
}
