package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

const taskColumns = `
	id, theme_id, prompt, status, progress, current_agent, hitl_enabled, thread_id,
	hitl_status, hitl_data, hitl_response, creative_id, result_json, error_message,
	metadata, created_at, updated_at, started_at, finished_at
`

const sqliteTimeLayout = "2006-01-02 15:04:05"

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxListOffset    = 10000
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var hitlEnabled int
	var hitlData, hitlResponse, result sql.NullString
	var metadata string

	err := row.Scan(
		&t.ID, &t.ThemeID, &t.Prompt, &t.Status, &t.Progress, &t.CurrentAgent, &hitlEnabled, &t.ResumeHandle,
		&t.HitlStatus, &hitlData, &hitlResponse, &t.CreativeID, &result, &t.ErrorMessage,
		&metadata, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	t.HitlEnabled = hitlEnabled == 1

	if hitlData.Valid && hitlData.String != "" {
		t.HitlSnapshot = &models.HitlSnapshot{}
		if err := json.Unmarshal([]byte(hitlData.String), t.HitlSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode hitl_data: %w", err)
		}
	}
	if hitlResponse.Valid && hitlResponse.String != "" {
		t.HitlResponse = &models.HitlResponse{}
		if err := json.Unmarshal([]byte(hitlResponse.String), t.HitlResponse); err != nil {
			return nil, fmt.Errorf("failed to decode hitl_response: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return t, nil
}

// CreateTask inserts a new queued task and fills in its ID and timestamps.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.HitlEnabled != (t.ResumeHandle != nil) {
		return fmt.Errorf("failed to create task: resume handle must be set iff HITL is enabled")
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if t.Status == "" {
		t.Status = models.TaskStatusQueued
	}
	if t.HitlStatus == "" {
		t.HitlStatus = models.HitlStatusNone
	}

	hitlEnabled := 0
	if t.HitlEnabled {
		hitlEnabled = 1
	}

	query := `
		INSERT INTO generation_tasks (theme_id, prompt, status, progress, hitl_enabled, thread_id, hitl_status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at, updated_at
	`
	err = db.QueryRowContext(ctx, query,
		t.ThemeID, t.Prompt, t.Status, t.Progress, hitlEnabled, t.ResumeHandle, t.HitlStatus, string(metadata),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by its ID. It returns nil, nil for unknown ids.
func (db *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return db.getTask(ctx, db.DB, id)
}

func (db *DB) getTask(ctx context.Context, exec executor, id int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE id = ?`
	t, err := scanTask(exec.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status, theme
// or creation time range.
func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE 1=1`
	args := []any{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}

	if filter.ThemeID != nil {
		query += " AND theme_id = ?"
		args = append(args, *filter.ThemeID)
	}

	if since := filter.CreatedSince(time.Now()); since != nil {
		// created_at holds SQLite's CURRENT_TIMESTAMP text, which sorts lexically.
		query += " AND created_at >= ?"
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}

	limit, offset := clampPage(filter.Limit, filter.Offset)
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > maxListOffset {
		offset = maxListOffset
	}
	return limit, offset
}

// TaskUpdate is a partial update derived from one observed event.
// Nil fields are left untouched.
type TaskUpdate struct {
	CurrentAgent *string
	Progress     *int
	CreativeID   *int64
	Result       json.RawMessage
	ClearError   bool
}

func (u TaskUpdate) empty() bool {
	return u.CurrentAgent == nil && u.Progress == nil && u.CreativeID == nil && u.Result == nil && !u.ClearError
}

// ApplyTaskUpdate writes the non-nil fields of u. The creative id is only
// written when the task does not have one yet.
func (db *DB) ApplyTaskUpdate(ctx context.Context, id int64, u TaskUpdate) error {
	if u.empty() {
		return nil
	}

	sets := []string{}
	args := []any{}

	if u.CurrentAgent != nil {
		sets = append(sets, "current_agent = ?")
		args = append(args, *u.CurrentAgent)
	}
	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.CreativeID != nil {
		sets = append(sets, "creative_id = COALESCE(creative_id, ?)")
		args = append(args, *u.CreativeID)
	}
	if u.Result != nil {
		sets = append(sets, "result_json = ?")
		args = append(args, string(u.Result))
	}
	if u.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	query := `UPDATE generation_tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res, id)
}

func (db *DB) UpdateProgress(ctx context.Context, id int64, progress int) error {
	return db.ApplyTaskUpdate(ctx, id, TaskUpdate{Progress: &progress})
}

func (db *DB) SetCurrentAgent(ctx context.Context, id int64, agent string) error {
	return db.ApplyTaskUpdate(ctx, id, TaskUpdate{CurrentAgent: &agent})
}

// SetCreativeID records the produced artifact. An existing value is kept.
func (db *DB) SetCreativeID(ctx context.Context, id int64, creativeID int64) error {
	return db.ApplyTaskUpdate(ctx, id, TaskUpdate{CreativeID: &creativeID})
}

func (db *DB) SetResult(ctx context.Context, id int64, result json.RawMessage) error {
	return db.ApplyTaskUpdate(ctx, id, TaskUpdate{Result: result})
}

// MarkRunning moves a queued or paused task to running and stamps started_at once.
func (db *DB) MarkRunning(ctx context.Context, id int64) error {
	return db.transition(ctx, id, models.TaskStatusRunning,
		"started_at = COALESCE(started_at, CURRENT_TIMESTAMP)")
}

// MarkResumed moves a task to running after a human response.
func (db *DB) MarkResumed(ctx context.Context, id int64) error {
	return db.transition(ctx, id, models.TaskStatusRunning, "hitl_status = 'responded'")
}

// MarkPaused records that the workflow is waiting for a human.
func (db *DB) MarkPaused(ctx context.Context, id int64, snapshot *models.HitlSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode hitl snapshot: %w", err)
	}

	current, err := db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, id)
	}
	if !current.HitlEnabled {
		return fmt.Errorf("cannot pause task %d: %w", id, models.ErrHitlNotEnabled)
	}

	return db.transition(ctx, id, models.TaskStatusPaused, "hitl_status = 'pending', hitl_data = ?", string(data))
}

// MarkCompleted finishes a task successfully.
func (db *DB) MarkCompleted(ctx context.Context, id int64) error {
	return db.transition(ctx, id, models.TaskStatusCompleted,
		"progress = 100, finished_at = CURRENT_TIMESTAMP, error_message = NULL")
}

// MarkFailed finishes a task with an error message.
func (db *DB) MarkFailed(ctx context.Context, id int64, message string) error {
	return db.transition(ctx, id, models.TaskStatusFailed,
		"error_message = ?, finished_at = CURRENT_TIMESTAMP", message)
}

// ClaimResponse atomically moves a paused task whose human response is pending
// to running and stores the raw response. Concurrent callers race on the
// conditional update; only one of them wins.
func (db *DB) ClaimResponse(ctx context.Context, id int64, resp *models.HitlResponse) (*models.Task, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hitl response: %w", err)
	}

	query := `
		UPDATE generation_tasks
		SET status = 'running', hitl_status = 'responded', hitl_response = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'paused' AND hitl_status = 'pending'
		RETURNING ` + taskColumns

	t, err := scanTask(db.QueryRowContext(ctx, query, string(data), id))
	if err == sql.ErrNoRows {
		current, getErr := db.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, fmt.Errorf("%w: %d", models.ErrTaskNotFound, id)
		}
		if current.ResumeHandle == nil {
			return nil, models.ErrHitlNotEnabled
		}
		return nil, fmt.Errorf("%w (status=%s, hitl_status=%s)", models.ErrNotAwaitingResponse, current.Status, current.HitlStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim response: %w", err)
	}
	return t, nil
}

// InterruptStaleTasks fails every task a crashed process left queued or running
// and appends a workflow_failed event to each. Paused tasks are left alone.
// This is typically called on startup.
func (db *DB) InterruptStaleTasks(ctx context.Context, message string) ([]int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE generation_tasks
		SET status = 'failed', error_message = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('queued', 'running')
		RETURNING id
	`
	rows, err := tx.QueryContext(ctx, query, message)
	if err != nil {
		return nil, fmt.Errorf("failed to interrupt stale tasks: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		next, err := db.nextEventIndex(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		ev := models.NewEvent(models.WorkflowFailed{Content: message})
		if _, err := db.appendEvent(ctx, tx, id, next, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ids, nil
}

// transition moves a task to status `to` if the current status allows it,
// applying extraSet in the same statement.
func (db *DB) transition(ctx context.Context, id int64, to models.TaskStatus, extraSet string, args ...any) error {
	from := allowedFrom[to]
	placeholders := make([]string, len(from))
	query := `UPDATE generation_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP`
	if extraSet != "" {
		query += ", " + extraSet
	}

	qargs := []any{to}
	qargs = append(qargs, args...)
	qargs = append(qargs, id)
	for i, s := range from {
		placeholders[i] = "?"
		qargs = append(qargs, s)
	}
	query += ` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := db.ExecContext(ctx, query, qargs...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	current, err := db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, id)
	}
	return validateStatusTransition(current.Status, to)
}

var allowedFrom = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusRunning:   {models.TaskStatusQueued, models.TaskStatusPaused, models.TaskStatusRunning},
	models.TaskStatusPaused:    {models.TaskStatusRunning},
	models.TaskStatusCompleted: {models.TaskStatusRunning},
	models.TaskStatusFailed:    {models.TaskStatusQueued, models.TaskStatusRunning},
}

func validateStatusTransition(from, to models.TaskStatus) error {
	for _, s := range allowedFrom[to] {
		if s == from {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

func requireRow(res sql.Result, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, id)
	}
	return nil
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrTaskNotFound)
}
