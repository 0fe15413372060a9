package db

import (
	"context"
	"fmt"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// AppendEvent stores ev at (taskID, index). Re-appending an index that already
// exists is a no-op: the first write wins and inserted is false.
func (db *DB) AppendEvent(ctx context.Context, taskID int64, index int, ev models.Event) (bool, error) {
	return db.appendEvent(ctx, db.DB, taskID, index, ev)
}

func (db *DB) appendEvent(ctx context.Context, exec executor, taskID int64, index int, ev models.Event) (bool, error) {
	if index < 0 {
		return false, fmt.Errorf("invalid event index %d", index)
	}

	data, err := ev.EncodeData()
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	query := `
		INSERT INTO task_events (task_id, event_index, event_type, event_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, event_index) DO NOTHING
	`
	res, err := exec.ExecContext(ctx, query, taskID, index, string(ev.Type()), string(data))
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ListEvents returns the events of a task with eventIndex >= fromIndex, ascending.
func (db *DB) ListEvents(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error) {
	if fromIndex < 0 {
		fromIndex = 0
	}

	query := `
		SELECT event_index, event_data
		FROM task_events
		WHERE task_id = ? AND event_index >= ?
		ORDER BY event_index ASC
	`
	rows, err := db.QueryContext(ctx, query, taskID, fromIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var index int
		var data string
		if err := rows.Scan(&index, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev, err := models.DecodeEvent(index, []byte(data))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// CountEvents returns the number of stored events of a task.
func (db *DB) CountEvents(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_events WHERE task_id = ?`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// NextEventIndex returns max(eventIndex)+1, or 0 when the task has no events.
// It reads durable storage so sequencing survives restarts.
func (db *DB) NextEventIndex(ctx context.Context, taskID int64) (int, error) {
	return db.nextEventIndex(ctx, db.DB, taskID)
}

func (db *DB) nextEventIndex(ctx context.Context, exec executor, taskID int64) (int, error) {
	var next int
	query := `SELECT COALESCE(MAX(event_index) + 1, 0) FROM task_events WHERE task_id = ?`
	if err := exec.QueryRowContext(ctx, query, taskID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to get next event index: %w", err)
	}
	return next, nil
}
