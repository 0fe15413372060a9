package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// DefaultScriptName is played when the provider hint names no loaded script.
const DefaultScriptName = "default"

// DefaultScript is the built-in workflow used when no script directory is configured.
const DefaultScript = `name: default
delay: 150ms
steps:
  - type: agent_start
    agent: planner
    content: Planning the post
    progress: 5
  - type: agent_end
    agent: planner
    progress: 20
    output: {outline: [hook, story, call to action]}
  - type: agent_start
    agent: writer
    content: Drafting title and body
    progress: 30
  - type: ask_user
    question: Which title should we use?
    selectionType: single
    allowCustomInput: true
    options:
      - {id: t1, label: "Three trails you can do after work"}
      - {id: t2, label: "Autumn colours without the crowds"}
  - type: agent_end
    agent: writer
    progress: 70
  - type: agent_start
    agent: reviewer
    content: Checking tone and tags
    progress: 80
  - type: agent_end
    agent: reviewer
    progress: 95
  - type: workflow_complete
    content: Post ready
    creativeId: 1
    title: Autumn colours without the crowds
    tags: [hiking, autumn]
`

// Script is a canned workflow: a list of events to emit, with ask_user steps
// acting as checkpoints and fail steps raising an error.
type Script struct {
	Name  string        `yaml:"name"`
	Delay time.Duration `yaml:"delay"`
	Steps []ScriptStep  `yaml:"steps"`
}

type ScriptStep struct {
	Fail   string         `yaml:"fail,omitempty"`
	Fields map[string]any `yaml:",inline"`
}

func (s ScriptStep) event() (models.Event, error) {
	data, err := json.Marshal(s.Fields)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to encode step: %w", err)
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Event{}, fmt.Errorf("invalid step: %w", err)
	}
	ev.Timestamp = time.Now().UTC()
	return ev, nil
}

// ParseScript decodes and validates one YAML workflow script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if s.Name == "" {
		return nil, errors.New("script is missing a name")
	}
	for i, step := range s.Steps {
		if step.Fail != "" {
			continue
		}
		if _, err := step.event(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", s.Name, i, err)
		}
	}
	return &s, nil
}

type scriptRun struct {
	script *Script
	pos    int
	redo   int
	hitl   bool
	handle string
	limit  int
	steps  int
}

// ScriptEngine plays YAML scripts. Suspended runs live in memory keyed by
// resume handle, so they do not survive a restart.
type ScriptEngine struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	scripts map[string]*Script

	pausedMu sync.Mutex
	paused   map[string]*scriptRun
}

// NewScriptEngine loads every *.yaml script in dir. An empty dir uses only the built-in script.
func NewScriptEngine(dir string, logger *slog.Logger) (*ScriptEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ScriptEngine{
		dir:    dir,
		logger: logger,
		paused: make(map[string]*scriptRun),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the script directory. On error the previous scripts stay active.
func (e *ScriptEngine) Reload() error {
	builtin, err := ParseScript([]byte(DefaultScript))
	if err != nil {
		return err
	}
	scripts := map[string]*Script{builtin.Name: builtin}

	if e.dir != "" {
		entries, err := os.ReadDir(e.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read script directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isScriptFile(entry.Name()) {
				continue
			}
			path := filepath.Join(e.dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			s, err := ParseScript(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			scripts[s.Name] = s
		}
	}

	e.mu.Lock()
	e.scripts = scripts
	e.mu.Unlock()
	return nil
}

// Scripts returns the names of the loaded scripts.
func (e *ScriptEngine) Scripts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.scripts))
	for name := range e.scripts {
		names = append(names, name)
	}
	return names
}

func isScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads scripts whenever a file in the script directory changes.
// It blocks until ctx is done.
func (e *ScriptEngine) Watch(ctx context.Context) error {
	if e.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}
	if err := watcher.Add(e.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", e.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isScriptFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := e.Reload(); err != nil {
					e.logger.Error("script reload failed", "file", event.Name, "err", err)
					continue
				}
				e.logger.Info("scripts reloaded", "file", event.Name, "op", event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("script watcher error", "err", err)
		}
	}
}

func (e *ScriptEngine) pick(hint string) (*Script, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.scripts[hint]; ok && hint != "" {
		return s, nil
	}
	if s, ok := e.scripts[DefaultScriptName]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no script named %q or %q", hint, DefaultScriptName)
}

func (e *ScriptEngine) Start(ctx context.Context, state InitialState, opts StartOptions) (Stream, error) {
	script, err := e.pick(state.ProviderHint)
	if err != nil {
		return nil, err
	}
	if state.HitlEnabled && opts.ResumeHandle == nil {
		return nil, errors.New("HITL run requires a resume handle")
	}

	r := &scriptRun{script: script, hitl: state.HitlEnabled, limit: opts.RecursionLimit}
	if opts.ResumeHandle != nil {
		r.handle = *opts.ResumeHandle
	}
	return e.play(ctx, r, nil), nil
}

func (e *ScriptEngine) Resume(ctx context.Context, handle string, input ResumeInput) (Stream, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	e.pausedMu.Lock()
	r, ok := e.paused[handle]
	delete(e.paused, handle)
	e.pausedMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	var note models.Event
	if input.Feedback != nil {
		r.pos = r.redo
		note = models.NewEvent(models.Message{Step: models.Step{Content: "Revising with feedback: " + *input.Feedback}})
	} else {
		content := "Continuing with " + strings.Join(input.Response.SelectedIDs, ", ")
		if input.Response.CustomInput != "" {
			content += ": " + input.Response.CustomInput
		}
		note = models.NewEvent(models.Message{Step: models.Step{Content: content}})
	}
	return e.play(ctx, r, &note), nil
}

// Suspended reports whether a run is waiting under handle.
func (e *ScriptEngine) Suspended(handle string) bool {
	e.pausedMu.Lock()
	defer e.pausedMu.Unlock()
	_, ok := e.paused[handle]
	return ok
}

func (e *ScriptEngine) play(ctx context.Context, r *scriptRun, first *models.Event) Stream {
	return func(yield func(models.Event, error) bool) {
		if first != nil && !yield(*first, nil) {
			return
		}

		for r.pos < len(r.script.Steps) {
			i := r.pos
			step := r.script.Steps[i]
			r.pos++

			if err := sleepCtx(ctx, r.script.Delay); err != nil {
				yield(models.Event{}, err)
				return
			}

			if step.Fail != "" {
				yield(models.Event{}, errors.New(step.Fail))
				return
			}

			ev, err := step.event()
			if err != nil {
				yield(models.Event{}, err)
				return
			}

			if ev.Type() == models.EventAgentStart {
				r.redo = i
			}

			r.steps++
			if r.limit > 0 && r.steps > r.limit {
				yield(models.Event{}, fmt.Errorf("recursion limit of %d reached", r.limit))
				return
			}

			if ask, ok := ev.Payload.(models.AskUser); ok {
				if !r.hitl {
					continue
				}
				ask.ThreadID = r.handle
				ev.Payload = ask

				e.pausedMu.Lock()
				e.paused[r.handle] = r
				e.pausedMu.Unlock()

				yield(ev, nil)
				return
			}

			if !yield(ev, nil) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
