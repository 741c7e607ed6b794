package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/model"
)

// ClaimTask takes or renews the run lease of a task. It succeeds when the
// task is unowned, already owned by owner, or its lease expired before now.
// A false result means another owner holds a live lease.
func (s *SQLiteStore) ClaimTask(ctx context.Context, contextID, owner string, until, now time.Time) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("claim %s: owner is required", contextID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET run_owner = ?, lease_until = ?
		WHERE context_id = ?
			AND (run_owner = '' OR run_owner = ? OR lease_until < ?)
	`, owner, until.UnixNano(), contextID, owner, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", contextID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", contextID, err)
	}
	if n == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE context_id = ?`, contextID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", model.ErrTaskNotFound, contextID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to query task: %w", err)
	}
	return false, nil
}

// ReleaseTask drops owner's lease. Releasing a lease held by someone else
// is a no-op.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, contextID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET run_owner = '', lease_until = 0
		WHERE context_id = ? AND run_owner = ?
	`, contextID, owner)
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", contextID, err)
	}
	return nil
}
