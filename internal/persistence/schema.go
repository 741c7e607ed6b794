package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		context_id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at TEXT NOT NULL,
		run_owner TEXT NOT NULL DEFAULT '',
		lease_until INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS context_entries (
		context_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		entry_id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_version TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		data TEXT NOT NULL,
		reasoning TEXT NOT NULL CHECK (reasoning <> ''),
		trigger_info TEXT,
		PRIMARY KEY (context_id, sequence_number),
		FOREIGN KEY (context_id) REFERENCES tasks(context_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_context_entries_operation
		ON context_entries(context_id, operation);

	CREATE TABLE IF NOT EXISTS computed_states (
		context_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		completeness INTEGER NOT NULL,
		sequence_number INTEGER NOT NULL,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (context_id) REFERENCES tasks(context_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_computed_states_status ON computed_states(status);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Databases created before run leases existed lack these columns.
	if err := s.ensureColumn(ctx, "tasks", "run_owner", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "tasks", "lease_until", "INTEGER NOT NULL DEFAULT 0")
}

func (s *SQLiteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	found := false
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &primaryKey); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s columns: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if found {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}
