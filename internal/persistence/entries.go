package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskflow/internal/model"
)

// AppendEntry appends entry to the task's log and returns the sequence number
// it was stored under (MAX+1 inside the same transaction). The entry's own
// SequenceNumber is ignored. Entries are never updated or deleted.
func (s *SQLiteStore) AppendEntry(ctx context.Context, contextID string, entry model.ContextEntry) (int, error) {
	if entry.Reasoning == "" {
		return 0, fmt.Errorf("entry %s has empty reasoning", entry.Operation)
	}

	data, err := model.EncodePayload(entry.Data)
	if err != nil {
		return 0, err
	}
	var trigger sql.NullString
	if entry.Trigger != nil {
		raw, err := json.Marshal(entry.Trigger)
		if err != nil {
			return 0, fmt.Errorf("failed to encode trigger: %w", err)
		}
		trigger = sql.NullString{String: string(raw), Valid: true}
	}
	op := entry.Operation
	if op == "" && entry.Data != nil {
		op = entry.Data.Operation()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1
		FROM context_entries
		WHERE context_id = ?
	`, contextID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read next sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO context_entries (
			context_id, sequence_number, entry_id, timestamp,
			actor_type, actor_id, actor_version,
			operation, data, reasoning, trigger_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, contextID, seq, entry.EntryID, formatTime(entry.Timestamp),
		string(entry.Actor.Type), entry.Actor.ID, entry.Actor.Version,
		string(op), string(data), entry.Reasoning, trigger)
	if err != nil {
		return 0, fmt.Errorf("failed to insert entry %d of %s: %w", seq, contextID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return seq, nil
}

// ReadHistory returns a task's entries in sequence order.
func (s *SQLiteStore) ReadHistory(ctx context.Context, contextID string) ([]model.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, entry_id, timestamp, actor_type, actor_id, actor_version,
			operation, data, reasoning, trigger_info
		FROM context_entries
		WHERE context_id = ?
		ORDER BY sequence_number
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []model.ContextEntry
	for rows.Next() {
		var (
			e         model.ContextEntry
			timestamp string
			actorType string
			operation string
			data      string
			trigger   sql.NullString
		)
		err := rows.Scan(&e.SequenceNumber, &e.EntryID, &timestamp, &actorType, &e.Actor.ID, &e.Actor.Version,
			&operation, &data, &e.Reasoning, &trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp of entry %d: %w", e.SequenceNumber, err)
		}
		e.Actor.Type = model.ActorType(actorType)
		e.Operation = model.Operation(operation)
		if e.Data, err = model.DecodePayload(e.Operation, json.RawMessage(data)); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.SequenceNumber, err)
		}
		if trigger.Valid {
			e.Trigger = &model.Trigger{}
			if err := json.Unmarshal([]byte(trigger.String), e.Trigger); err != nil {
				return nil, fmt.Errorf("failed to decode trigger of entry %d: %w", e.SequenceNumber, err)
			}
		}
		history = append(history, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}

// UpsertComputedState replaces the cached projection of a task.
func (s *SQLiteStore) UpsertComputedState(ctx context.Context, contextID string, state model.ComputedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO computed_states (context_id, status, phase, completeness, sequence_number, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			completeness = excluded.completeness,
			sequence_number = excluded.sequence_number,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE excluded.sequence_number >= computed_states.sequence_number
	`, contextID, string(state.Status), state.Phase, state.Completeness, state.SequenceNumber,
		string(raw), formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert computed state: %w", err)
	}
	return nil
}

// GetComputedState returns the cached projection of a task.
func (s *SQLiteStore) GetComputedState(ctx context.Context, contextID string) (*model.ComputedState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM computed_states WHERE context_id = ?
	`, contextID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no computed state for %s", model.ErrTaskNotFound, contextID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query computed state: %w", err)
	}

	var st model.ComputedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode computed state: %w", err)
	}
	return &st, nil
}
