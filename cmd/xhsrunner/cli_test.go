package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GalaxyXieyu/xhs-runner/internal/broker"
	"github.com/GalaxyXieyu/xhs-runner/internal/db"
	"github.com/GalaxyXieyu/xhs-runner/internal/engine"
	"github.com/GalaxyXieyu/xhs-runner/internal/manager"
	"github.com/GalaxyXieyu/xhs-runner/internal/server"
	"github.com/GalaxyXieyu/xhs-runner/internal/worker"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

type testEnv struct {
	url    string
	dbPath string
	eng    *engine.Fake
	mgr    *manager.Manager
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "xhsrunner.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("failed to init db: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := &engine.Fake{}
	events := broker.New(16, logger)
	mgr := manager.New(database, worker.NewWorker(database, eng, events, worker.WithLogger(logger)), events, manager.WithLogger(logger))
	srv := httptest.NewServer(server.NewServer(mgr, server.WithLogger(logger)).Handler())

	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
		events.Close()
		database.Close()
	})
	return &testEnv{url: srv.URL, dbPath: dbPath, eng: eng, mgr: mgr}
}

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, env *testEnv, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	full := append([]string{
		"--server", env.url,
		"--db-path", env.dbPath,
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
	}, args...)
	root.SetArgs(full)
	err := root.Execute()
	return out.String(), err
}

func TestSubmitStatusRespond(t *testing.T) {
	env := setupTestServer(t)
	env.eng.QueueStart(engine.Events(
		models.AgentStart{Step: models.Step{Agent: "planner"}},
		models.AskUser{
			Question: "Which title?",
			Options:  []models.AskUserOption{{ID: "t1", Label: "Cozy mornings"}},
		},
	))
	env.eng.QueueResume(engine.Events(models.WorkflowComplete{Title: "Cozy mornings"}))

	out, err := run(t, env, "submit", "-m", "autumn coffee", "--theme", "3", "--hitl")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(out, "Submitted task 1") {
		t.Errorf("unexpected submit output: %q", out)
	}
	env.mgr.Wait()

	out, err = run(t, env, "status", "1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"paused", "planner", "Which title?", "[t1] Cozy mornings", "xhsrunner respond 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in status output, got %q", want, out)
		}
	}

	out, err = run(t, env, "respond", "1", "--select", "t1")
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if !strings.Contains(out, "Task 1 resumed") {
		t.Errorf("unexpected respond output: %q", out)
	}
	env.mgr.Wait()

	if _, err := run(t, env, "respond", "1"); err == nil {
		t.Errorf("expected second respond to fail")
	}

	out, err = run(t, env, "status", "1", "--json")
	if err != nil {
		t.Fatalf("status --json failed: %v", err)
	}
	var view models.TaskStatusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if view.Status != models.TaskStatusCompleted || view.Progress != 100 {
		t.Errorf("expected completed at 100%%, got %s at %d", view.Status, view.Progress)
	}
}

func TestSubmitRequiresFlags(t *testing.T) {
	env := setupTestServer(t)
	if _, err := run(t, env, "submit", "--theme", "1"); err == nil {
		t.Errorf("expected error without --message")
	}
	if _, err := run(t, env, "submit", "-m", "   ", "--theme", "1"); err == nil {
		t.Errorf("expected error for blank message")
	}
}

func TestEventsCommand(t *testing.T) {
	env := setupTestServer(t)
	env.eng.QueueStart(engine.Events(
		models.AgentStart{Step: models.Step{Agent: "writer", Content: "drafting"}},
		models.WorkflowComplete{Title: "done"},
	))
	if _, err := run(t, env, "submit", "-m", "brief", "--theme", "1"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.mgr.Wait()

	out, err := run(t, env, "events", "1")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if !strings.Contains(out, "#0") || !strings.Contains(out, "drafting") || !strings.Contains(out, "workflow_complete") {
		t.Errorf("unexpected events output: %q", out)
	}

	out, err = run(t, env, "events", "1", "--follow", "--json", "--from", "1")
	if err != nil {
		t.Fatalf("events --follow failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"type":"workflow_complete"`) {
		t.Errorf("expected only the final event, got %q", out)
	}

	if _, err := run(t, env, "events", "abc"); err == nil {
		t.Errorf("expected error for invalid task id")
	}
}

func TestListStatusSummaryAndDelete(t *testing.T) {
	env := setupTestServer(t)

	out, err := run(t, env, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No tasks found.") {
		t.Errorf("expected empty list, got %q", out)
	}

	env.eng.QueueStart(engine.Events(models.WorkflowComplete{}))
	env.eng.QueueStart(engine.Events(models.AskUser{Question: "Tone?"}))
	if _, err := run(t, env, "submit", "-m", "one", "--theme", "1"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.mgr.Wait()
	if _, err := run(t, env, "submit", "-m", "two", "--theme", "2", "--hitl"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.mgr.Wait()

	out, err = run(t, env, "list", "--status", "paused")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "paused") || strings.Contains(out, "completed") {
		t.Errorf("expected only the paused task, got %q", out)
	}

	out, err = run(t, env, "list", "--since", "7d", "--json")
	if err != nil {
		t.Fatalf("list --since failed: %v", err)
	}
	var recent []models.TaskStatusView
	if err := json.Unmarshal([]byte(out), &recent); err != nil || len(recent) != 2 {
		t.Errorf("expected both fresh tasks within 7d, got %q (%v)", out, err)
	}

	out, err = run(t, env, "status")
	if err != nil {
		t.Fatalf("status summary failed: %v", err)
	}
	for _, want := range []string{"Total Tasks: 2", "Waiting for a response", "#2 Tone?"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in summary, got %q", want, out)
		}
	}

	out, err = run(t, env, "delete", "1", "2")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !strings.Contains(out, "Deleted 1 of 2") {
		t.Errorf("expected paused task to be skipped, got %q", out)
	}
}

func TestExportCommand(t *testing.T) {
	env := setupTestServer(t)
	env.eng.QueueStart(engine.Events(
		models.Message{Step: models.Step{Content: "hi"}},
		models.WorkflowComplete{},
	))
	if _, err := run(t, env, "submit", "-m", "brief", "--theme", "1"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.mgr.Wait()

	outPath := filepath.Join(t.TempDir(), "task-1.jsonl")
	out, err := run(t, env, "export", "1", "-o", outPath)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(out, "Exported task 1") {
		t.Errorf("unexpected export output: %q", out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; n != 4 {
		t.Errorf("expected meta, task and 2 event lines, got %d", n)
	}

	if _, err := run(t, env, "export", "99", "-o", outPath); err == nil {
		t.Errorf("expected error exporting unknown task")
	}
}
