package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskflow/internal/model"
)

// CreateTask inserts the task row. The task_created entry is appended
// separately through AppendEntry.
func (s *SQLiteStore) CreateTask(ctx context.Context, task model.TaskContext) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (context_id, template_id, tenant_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, task.ContextID, task.TemplateID, task.TenantID, string(metadata), formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ContextID, err)
	}
	return nil
}

// GetTask retrieves a task row together with its cached computed state, if
// any. History is not loaded; use ReadHistory.
func (s *SQLiteStore) GetTask(ctx context.Context, contextID string) (*model.TaskContext, error) {
	var (
		task      model.TaskContext
		metadata  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT context_id, template_id, tenant_id, metadata, created_at
		FROM tasks
		WHERE context_id = ?
	`, contextID).Scan(&task.ContextID, &task.TemplateID, &task.TenantID, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, contextID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := decodeTaskRow(&task, metadata, createdAt); err != nil {
		return nil, err
	}

	cached, err := s.GetComputedState(ctx, contextID)
	if err != nil && !errors.Is(err, model.ErrTaskNotFound) {
		return nil, err
	}
	if cached != nil {
		task.CurrentState = *cached
	}
	return &task, nil
}

// ListTasks returns all task rows ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]model.TaskContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.context_id, t.template_id, t.tenant_id, t.metadata, t.created_at,
			COALESCE(c.state, '')
		FROM tasks t
		LEFT JOIN computed_states c ON c.context_id = t.context_id
		ORDER BY t.created_at, t.context_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskContext
	for rows.Next() {
		var (
			task      model.TaskContext
			metadata  string
			createdAt string
			state     string
		)
		if err := rows.Scan(&task.ContextID, &task.TemplateID, &task.TenantID, &metadata, &createdAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := decodeTaskRow(&task, metadata, createdAt); err != nil {
			return nil, err
		}
		if state != "" {
			if err := json.Unmarshal([]byte(state), &task.CurrentState); err != nil {
				return nil, fmt.Errorf("failed to decode state of %s: %w", task.ContextID, err)
			}
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// ListTasksByStatus returns the ids of tasks whose cached state has the given
// status. Callers that act on the result must recompute state from history.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_id FROM computed_states
		WHERE status = ?
		ORDER BY context_id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task ids: %w", err)
	}
	return ids, nil
}

func decodeTaskRow(task *model.TaskContext, metadata, createdAt string) error {
	if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
		return fmt.Errorf("failed to decode metadata of %s: %w", task.ContextID, err)
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return fmt.Errorf("failed to parse created_at of %s: %w", task.ContextID, err)
	}
	task.CreatedAt = ts
	return nil
}
