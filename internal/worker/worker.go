package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/GalaxyXieyu/xhs-runner/internal/dataset"
	"github.com/GalaxyXieyu/xhs-runner/internal/db"
	"github.com/GalaxyXieyu/xhs-runner/internal/engine"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// DefaultRecursionLimit caps the number of workflow steps per run.
const DefaultRecursionLimit = 100

// skippedSampleAgent routes between agents and produces no useful sample.
const skippedSampleAgent = "supervisor_route"

// errHitlDisabled fails a run whose workflow asks for input it can never get.
var errHitlDisabled = errors.New("workflow requested human input but HITL is disabled for this task")

// TaskStore defines the database operations required by the worker.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	MarkRunning(ctx context.Context, id int64) error
	MarkResumed(ctx context.Context, id int64) error
	MarkPaused(ctx context.Context, id int64, snapshot *models.HitlSnapshot) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, message string) error
	ApplyTaskUpdate(ctx context.Context, id int64, u db.TaskUpdate) error
	AppendEvent(ctx context.Context, taskID int64, index int, ev models.Event) (bool, error)
	NextEventIndex(ctx context.Context, taskID int64) (int, error)
}

// Publisher broadcasts stored events to live viewers.
type Publisher interface {
	Publish(taskID int64, ev models.Event)
}

// Worker drives one execution attempt of a task at a time: it opens a stream
// from the engine, records every event and derives task state from it.
type Worker struct {
	store          TaskStore
	engine         engine.Engine
	publisher      Publisher
	recorder       dataset.Recorder
	logger         *slog.Logger
	recursionLimit int
}

// Option configures optional collaborators.
type Option func(*Worker)

func WithRecorder(r dataset.Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithRecursionLimit(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.recursionLimit = n
		}
	}
}

// NewWorker creates a new Worker instance.
func NewWorker(store TaskStore, eng engine.Engine, publisher Publisher, opts ...Option) *Worker {
	w := &Worker{
		store:          store,
		engine:         eng,
		publisher:      publisher,
		recorder:       dataset.Nop{},
		logger:         slog.Default(),
		recursionLimit: DefaultRecursionLimit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute starts a fresh workflow run for a queued task.
func (w *Worker) Execute(ctx context.Context, taskID int64) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, taskID)
	}
	if task.Prompt == "" {
		return w.fail(ctx, task, models.ErrMissingPrompt)
	}

	if err := w.store.MarkRunning(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark task %d running: %w", taskID, err)
	}

	state := engine.InitialState{
		TaskID:          task.ID,
		Prompt:          task.Prompt,
		ThemeID:         task.ThemeID,
		ReferenceAssets: task.Metadata.ReferenceAssets,
		ProviderHint:    task.Metadata.ProviderHint,
		SourceTaskID:    task.Metadata.SourceTaskID,
		CreativeID:      task.CreativeID,
		HitlEnabled:     task.HitlEnabled,
	}
	opts := engine.StartOptions{
		ResumeHandle:   task.ResumeHandle,
		RecursionLimit: w.recursionLimit,
	}

	stream, err := w.engine.Start(ctx, state, opts)
	if err != nil {
		return w.fail(ctx, task, fmt.Errorf("failed to start workflow: %w", err))
	}
	return w.processStream(ctx, task, stream)
}

// Resume continues a paused task from its checkpoint with a human answer.
func (w *Worker) Resume(ctx context.Context, taskID int64, input engine.ResumeInput) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, taskID)
	}
	if task.ResumeHandle == nil {
		return fmt.Errorf("cannot resume task %d: %w", taskID, models.ErrHitlNotEnabled)
	}
	if err := input.Validate(); err != nil {
		return err
	}

	if err := w.store.MarkResumed(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark task %d resumed: %w", taskID, err)
	}

	stream, err := w.engine.Resume(ctx, *task.ResumeHandle, input)
	if err != nil {
		return w.fail(ctx, task, fmt.Errorf("failed to resume workflow: %w", err))
	}
	return w.processStream(ctx, task, stream)
}

// run tracks what one pass over a stream has observed.
type run struct {
	completed  bool
	creativeID *int64
	inputs     map[string]json.RawMessage
	outputs    map[string]json.RawMessage
	order      []string
}

func (w *Worker) processStream(ctx context.Context, task *models.Task, stream engine.Stream) error {
	r := &run{
		creativeID: task.CreativeID,
		inputs:     make(map[string]json.RawMessage),
		outputs:    make(map[string]json.RawMessage),
	}

	for ev, streamErr := range stream {
		if streamErr != nil {
			return w.fail(ctx, task, streamErr)
		}

		stored, err := w.record(ctx, task.ID, ev)
		if err != nil {
			return w.fail(ctx, task, err)
		}
		if stored == nil {
			continue
		}
		ev = *stored

		if ask, ok := ev.Payload.(models.AskUser); ok {
			if !task.HitlEnabled {
				return w.fail(ctx, task, errHitlDisabled)
			}
			if err := w.store.MarkPaused(ctx, task.ID, ask.Snapshot()); err != nil {
				return w.fail(ctx, task, fmt.Errorf("failed to pause task: %w", err))
			}
			w.logger.Info("task paused for human input", "task_id", task.ID, "event_index", ev.Index)
			return nil
		}

		if failed, ok := ev.Payload.(models.WorkflowFailed); ok {
			return w.markFailed(ctx, task.ID, failed.Content)
		}

		if err := w.store.ApplyTaskUpdate(ctx, task.ID, r.observe(ev)); err != nil {
			return w.fail(ctx, task, fmt.Errorf("failed to update task state: %w", err))
		}
	}

	if err := w.store.MarkCompleted(ctx, task.ID); err != nil {
		return w.fail(ctx, task, fmt.Errorf("failed to mark task completed: %w", err))
	}
	w.logger.Info("task completed", "task_id", task.ID)

	w.recordSamples(ctx, task, r)
	return nil
}

// record appends ev at the next index and publishes it. A nil event with a
// nil error means the index was already taken and nothing happened.
func (w *Worker) record(ctx context.Context, taskID int64, ev models.Event) (*models.Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	index, err := w.store.NextEventIndex(ctx, taskID)
	if err != nil {
		return nil, err
	}
	inserted, err := w.store.AppendEvent(ctx, taskID, index, ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		w.logger.Warn("duplicate event index ignored", "task_id", taskID, "event_index", index, "event_type", ev.Type())
		return nil, nil
	}

	ev.Index = index
	w.publisher.Publish(taskID, ev)
	return &ev, nil
}

// observe folds one event into the run and returns the row update it implies.
func (r *run) observe(ev models.Event) db.TaskUpdate {
	var u db.TaskUpdate

	if p, ok := ResolveProgress(ev); ok {
		u.Progress = &p
	}

	switch p := ev.Payload.(type) {
	case models.AgentStart:
		if p.Agent != "" {
			u.CurrentAgent = &p.Agent
			r.inputs[p.Agent] = agentInput(p)
		}
	case models.AgentEnd:
		if p.Agent != "" && p.Agent != skippedSampleAgent {
			if _, seen := r.outputs[p.Agent]; !seen {
				r.order = append(r.order, p.Agent)
			}
			r.outputs[p.Agent] = agentOutput(p)
		}
	case models.WorkflowComplete:
		r.completed = true
		if p.CreativeID != nil && r.creativeID == nil {
			id := *p.CreativeID
			r.creativeID = &id
		}
		u.CreativeID = r.creativeID
		u.Result = completionResult(p)
		u.ClearError = true
	}

	return u
}

// ResolveProgress maps an event to a task progress value in [0, 100].
// workflow_complete always yields 100.
func ResolveProgress(ev models.Event) (int, bool) {
	if ev.Type() == models.EventWorkflowComplete {
		return 100, true
	}
	raw, ok := ev.ReportedProgress()
	if !ok {
		return 0, false
	}
	return clampProgress(raw), true
}

func clampProgress(v float64) int {
	return int(math.Max(0, math.Min(100, math.Round(v))))
}

func agentInput(p models.AgentStart) json.RawMessage {
	data, err := json.Marshal(struct {
		State   json.RawMessage `json:"state,omitempty"`
		Message string          `json:"message,omitempty"`
	}{p.State, p.Message})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func agentOutput(p models.AgentEnd) json.RawMessage {
	if len(p.Output) > 0 {
		return p.Output
	}
	data, err := json.Marshal(p.Content)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func completionResult(p models.WorkflowComplete) json.RawMessage {
	data, err := json.Marshal(struct {
		CreativeID    *int64   `json:"creativeId,omitempty"`
		ImageAssetIDs []int64  `json:"imageAssetIds,omitempty"`
		Title         string   `json:"title,omitempty"`
		Body          string   `json:"body,omitempty"`
		Tags          []string `json:"tags,omitempty"`
	}{p.CreativeID, p.ImageAssetIDs, p.Title, p.Body, p.Tags})
	if err != nil {
		return nil
	}
	return data
}

// recordSamples forwards the run's agent steps to the dataset recorder.
// Only runs that reached workflow_complete with a creative id contribute.
func (w *Worker) recordSamples(ctx context.Context, task *models.Task, r *run) {
	if !r.completed || r.creativeID == nil || len(r.order) == 0 {
		w.logger.Debug("skipping dataset recording", "task_id", task.ID,
			"completed", r.completed, "has_creative", r.creativeID != nil)
		return
	}

	fallback, _ := json.Marshal(map[string]int64{"themeId": task.ThemeID})
	samples := make([]dataset.Sample, 0, len(r.order))
	for _, agent := range r.order {
		input, ok := r.inputs[agent]
		if !ok {
			input = fallback
		}
		samples = append(samples, dataset.Sample{
			TaskID:     task.ID,
			ThemeID:    task.ThemeID,
			CreativeID: *r.creativeID,
			Agent:      agent,
			Input:      input,
			Output:     r.outputs[agent],
		})
	}

	if err := w.recorder.RecordSamples(ctx, samples); err != nil {
		w.logger.Error("failed to record dataset samples", "task_id", task.ID, "err", err)
	}
}

// fail appends a workflow_failed event (best effort) and marks the task failed.
// The returned error is always cause.
func (w *Worker) fail(ctx context.Context, task *models.Task, cause error) error {
	message := cause.Error()
	w.logger.Error("task failed", "task_id", task.ID, "err", cause)

	// The run context may already be cancelled; the failure still has to land.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := w.record(recordCtx, task.ID, models.NewEvent(models.WorkflowFailed{Content: message})); err != nil {
		w.logger.Error("failed to record failure event", "task_id", task.ID, "err", err)
	}
	if err := w.store.MarkFailed(recordCtx, task.ID, message); err != nil {
		w.logger.Error("failed to mark task failed", "task_id", task.ID, "err", err)
	}
	return cause
}

// markFailed handles a workflow_failed event emitted by the engine itself.
func (w *Worker) markFailed(ctx context.Context, taskID int64, message string) error {
	if message == "" {
		message = "workflow failed"
	}
	if err := w.store.MarkFailed(ctx, taskID, message); err != nil {
		return fmt.Errorf("failed to mark task %d failed: %w", taskID, err)
	}
	w.logger.Error("workflow reported failure", "task_id", taskID, "err", message)
	return errors.New(message)
}
