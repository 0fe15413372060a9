// Package manager is the public control surface of the task engine. It
// accepts submissions and human responses and hands the actual work to the
// worker in background goroutines; callers never wait for a workflow.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/GalaxyXieyu/xhs-runner/internal/engine"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// InterruptedMessage is the error recorded on tasks cut off by a restart.
const InterruptedMessage = "interrupted by restart"

const defaultMaxConcurrent = 4

type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	ClaimResponse(ctx context.Context, id int64, resp *models.HitlResponse) (*models.Task, error)
	ListEvents(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error)
	CountEvents(ctx context.Context, taskID int64) (int, error)
	InterruptStaleTasks(ctx context.Context, message string) ([]int64, error)
	DeleteTasks(ctx context.Context, ids []int64) (int, error)
}

// Runner executes and resumes tasks. *worker.Worker implements it.
type Runner interface {
	Execute(ctx context.Context, taskID int64) error
	Resume(ctx context.Context, taskID int64, input engine.ResumeInput) error
}

// EventSource lets live viewers follow a task. *broker.Broker implements it.
type EventSource interface {
	Subscribe(taskID int64, fn func(models.Event)) func()
}

// RespondResult acknowledges an accepted human response.
type RespondResult struct {
	Success bool              `json:"success"`
	Status  models.TaskStatus `json:"status"`
}

type Manager struct {
	store     TaskStore
	runner    Runner
	events    EventSource
	logger    *slog.Logger
	sem       *semaphore.Weighted
	newHandle func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

// WithMaxConcurrent bounds how many worker invocations run at once.
// Extra invocations wait for a slot; their tasks stay queued meanwhile.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHandleGenerator replaces the resume handle generator (uuid by default).
func WithHandleGenerator(fn func() string) Option {
	return func(m *Manager) { m.newHandle = fn }
}

func New(store TaskStore, runner Runner, events EventSource, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     store,
		runner:    runner,
		events:    events,
		logger:    slog.Default(),
		sem:       semaphore.NewWeighted(defaultMaxConcurrent),
		newHandle: uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates the payload, stores a queued task and starts it in the
// background. It returns as soon as the row exists.
func (m *Manager) Submit(ctx context.Context, payload models.SubmitPayload) (*models.SubmitResult, error) {
	if strings.TrimSpace(payload.Message) == "" {
		return nil, models.ErrMissingPrompt
	}
	if payload.ThemeID <= 0 {
		return nil, models.ErrMissingTheme
	}

	task := &models.Task{
		ThemeID:     payload.ThemeID,
		Prompt:      payload.Message,
		Status:      models.TaskStatusQueued,
		HitlEnabled: payload.HitlEnabled,
		HitlStatus:  models.HitlStatusNone,
		Metadata: models.TaskMetadata{
			ReferenceAssets: compact(payload.ReferenceAssets),
			ProviderHint:    payload.ProviderHint,
			SourceTaskID:    payload.SourceTaskID,
		},
	}
	if payload.HitlEnabled {
		handle := m.newHandle()
		task.ResumeHandle = &handle
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	m.logger.Info("task submitted", "task_id", task.ID, "hitl", task.HitlEnabled)

	id := task.ID
	m.spawn("execute", id, func(ctx context.Context) error {
		return m.runner.Execute(ctx, id)
	})

	return &models.SubmitResult{
		TaskID:       task.ID,
		ResumeHandle: task.ResumeHandle,
		Status:       models.TaskStatusQueued,
	}, nil
}

// Status returns the observer view of a task, or nil for unknown ids.
func (m *Manager) Status(ctx context.Context, taskID int64) (*models.TaskStatusView, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	count, err := m.store.CountEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return models.NewStatusView(task, count), nil
}

// Events returns the stored events of a task from fromIndex on.
func (m *Manager) Events(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error) {
	return m.store.ListEvents(ctx, taskID, fromIndex)
}

// List returns status views of tasks matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter models.TaskFilter) ([]*models.TaskStatusView, error) {
	tasks, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*models.TaskStatusView, 0, len(tasks))
	for _, t := range tasks {
		count, err := m.store.CountEvents(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, models.NewStatusView(t, count))
	}
	return views, nil
}

// Delete removes finished tasks with their event logs. Unfinished tasks
// in ids are skipped.
func (m *Manager) Delete(ctx context.Context, ids []int64) (int, error) {
	deleted, err := m.store.DeleteTasks(ctx, ids)
	if err != nil {
		return 0, err
	}
	m.logger.Info("tasks deleted", "requested", len(ids), "deleted", deleted)
	return deleted, nil
}

// Subscribe follows live events of a task.
func (m *Manager) Subscribe(taskID int64, fn func(models.Event)) func() {
	return m.events.Subscribe(taskID, fn)
}

// Respond records a human answer to a paused task and resumes it in the
// background. Only one of several concurrent responses is accepted.
func (m *Manager) Respond(ctx context.Context, taskID int64, resp models.HitlResponse) (*RespondResult, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %d", models.ErrTaskNotFound, taskID)
	}
	if task.ResumeHandle == nil {
		return nil, models.ErrHitlNotEnabled
	}

	manual := task.HitlSnapshot.IsManual()
	if manual && resp.Action == models.HitlActionReject && strings.TrimSpace(resp.CustomInput) == "" {
		return nil, models.ErrFeedbackRequired
	}

	if _, err := m.store.ClaimResponse(ctx, taskID, &resp); err != nil {
		return nil, err
	}
	m.logger.Info("human response accepted", "task_id", taskID, "action", resp.Action, "manual", manual)

	input := ResumeInputFor(resp, manual)
	m.spawn("resume", taskID, func(ctx context.Context) error {
		return m.runner.Resume(ctx, taskID, input)
	})

	return &RespondResult{Success: true, Status: models.TaskStatusRunning}, nil
}

// ResumeInputFor translates a human response into engine input. A rejected
// manual checkpoint becomes corrective feedback; everything else is a
// structured response whose selection defaults to the action itself.
func ResumeInputFor(resp models.HitlResponse, manual bool) engine.ResumeInput {
	if manual && resp.Action == models.HitlActionReject {
		feedback := resp.CustomInput
		return engine.ResumeInput{Feedback: &feedback}
	}

	selected := resp.SelectedIDs
	if len(selected) == 0 {
		selected = []string{string(resp.Action)}
	}
	return engine.ResumeInput{Response: &engine.UserResponse{
		SelectedIDs:     selected,
		CustomInput:     resp.CustomInput,
		ModifiedContext: resp.ModifiedData,
	}}
}

// RecoverInterrupted fails tasks that a previous process left queued or
// running. Paused tasks keep waiting for their human.
func (m *Manager) RecoverInterrupted(ctx context.Context) ([]int64, error) {
	ids, err := m.store.InterruptStaleTasks(ctx, InterruptedMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	if len(ids) > 0 {
		m.logger.Warn("marked interrupted tasks failed", "count", len(ids), "task_ids", ids)
	}
	return ids, nil
}

// spawn runs fn in its own goroutine once a concurrency slot is free.
// Errors end up in the task row; here they are only logged.
func (m *Manager) spawn(op string, taskID int64, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			m.logger.Warn("worker not started", "op", op, "task_id", taskID, "err", err)
			return
		}
		defer m.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker panicked", "op", op, "task_id", taskID, "panic", r)
			}
		}()

		if err := fn(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("worker finished with error", "op", op, "task_id", taskID, "err", err)
		}
	}()
}

// Wait blocks until every background invocation has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels background invocations and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
