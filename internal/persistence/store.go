// Package persistence stores task contexts, their append-only entry log and
// the denormalized computed-state cache in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store defines the persistence interface for tasks, their entries and the
// computed-state cache.
type Store interface {
	// Task rows
	CreateTask(ctx context.Context, task model.TaskContext) error
	GetTask(ctx context.Context, contextID string) (*model.TaskContext, error)
	ListTasks(ctx context.Context) ([]model.TaskContext, error)
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]string, error)

	// Run leases. At most one owner runs a task at a time across processes
	// sharing the database.
	ClaimTask(ctx context.Context, contextID, owner string, until, now time.Time) (bool, error)
	ReleaseTask(ctx context.Context, contextID, owner string) error

	// Append-only entry log
	AppendEntry(ctx context.Context, contextID string, entry model.ContextEntry) (int, error)
	ReadHistory(ctx context.Context, contextID string) ([]model.ContextEntry, error)

	// Computed-state cache (a read optimization only)
	UpsertComputedState(ctx context.Context, contextID string, state model.ComputedState) error
	GetComputedState(ctx context.Context, contextID string) (*model.ComputedState, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database so parallel tests never share rows.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskflow-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes appends across goroutines; queries never
	// nest while rows are open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
