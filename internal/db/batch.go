package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxBatchDelete bounds how many tasks one DeleteTasks call may remove.
const MaxBatchDelete = 100

var ErrBatchTooLarge = fmt.Errorf("at most %d tasks can be deleted at once", MaxBatchDelete)

// DeleteTasks removes finished tasks and their event logs in one transaction.
// Tasks that are still queued, running or paused are left alone; the returned
// count only covers rows that were actually deleted.
func (db *DB) DeleteTasks(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, errors.New("no task ids given")
	}
	if len(ids) > MaxBatchDelete {
		return 0, ErrBatchTooLarge
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	finished := `SELECT id FROM generation_tasks WHERE id IN (` + placeholders + `) AND status IN ('completed', 'failed')`

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id IN (`+finished+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete task events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM generation_tasks WHERE id IN (`+finished+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(deleted), nil
}
