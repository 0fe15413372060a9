package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/GalaxyXieyu/xhs-runner/internal/engine"
	"github.com/GalaxyXieyu/xhs-runner/internal/ui"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

func stubMenu(t *testing.T, sel *ui.Selection, err error) {
	t.Helper()
	original := runMenu
	t.Cleanup(func() { runMenu = original })
	runMenu = func(context.Context, ui.TaskLister) (*ui.Selection, error) { return sel, err }
}

func TestRootRoutesMenuSelection(t *testing.T) {
	env := setupTestServer(t)
	stubMenu(t, &ui.Selection{Command: "list"}, nil)

	out, err := run(t, env)
	if err != nil {
		t.Fatalf("root command failed: %v", err)
	}
	if !strings.Contains(out, "No tasks found.") {
		t.Errorf("expected list output from menu selection, got %q", out)
	}
}

func TestRootMenuQuit(t *testing.T) {
	env := setupTestServer(t)
	stubMenu(t, nil, nil)

	out, err := run(t, env)
	if err != nil {
		t.Fatalf("expected no error when menu is quit, got %v", err)
	}
	if out != "" {
		t.Errorf("expected no output, got %q", out)
	}
}

func TestRootMenuErrors(t *testing.T) {
	env := setupTestServer(t)

	stubMenu(t, &ui.Selection{Command: "bogus"}, nil)
	if _, err := run(t, env); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected unknown command error, got %v", err)
	}

	stubMenu(t, &ui.Selection{Command: "events", Args: []string{"1", "2"}}, nil)
	if _, err := run(t, env); err == nil || !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("expected argument validation error, got %v", err)
	}

	stubMenu(t, nil, errors.New("no tty"))
	if _, err := run(t, env); err == nil || !strings.Contains(err.Error(), "no tty") {
		t.Errorf("expected menu error, got %v", err)
	}
}

func TestRootMenuPicksTask(t *testing.T) {
	env := setupTestServer(t)
	env.eng.QueueStart(engine.Events(models.AskUser{Question: "Which cover?"}))
	if _, err := run(t, env, "submit", "-m", "spring picnic", "--theme", "2", "--hitl"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.mgr.Wait()

	original := runMenu
	t.Cleanup(func() { runMenu = original })
	runMenu = func(ctx context.Context, lister ui.TaskLister) (*ui.Selection, error) {
		if lister == nil {
			t.Fatal("expected a task lister for the configured server")
		}
		tasks, err := lister.List(ctx, models.TaskFilter{Limit: 10})
		if err != nil || len(tasks) != 1 {
			t.Fatalf("expected one task from lister, got %v (%v)", tasks, err)
		}
		return &ui.Selection{Command: "status", Args: []string{strconv.FormatInt(tasks[0].ID, 10)}}, nil
	}

	out, err := run(t, env)
	if err != nil {
		t.Fatalf("root command failed: %v", err)
	}
	if !strings.Contains(out, "Task #1") || !strings.Contains(out, "Which cover?") {
		t.Errorf("expected task 1 status from menu selection, got %q", out)
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"init", "serve", "mcp", "submit", "status", "events", "respond", "list", "watch", "delete", "export"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("expected subcommand %q", name)
		}
	}
	for _, flag := range []string{"config", "db-path", "log-level", "server"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag --%s", flag)
		}
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	opts := &rootOptions{
		configPath: t.TempDir() + "/missing.yaml",
		dbPath:     "/tmp/override.db",
		logLevel:   "debug",
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("expected db path override, got %s", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level override, got %s", cfg.Logging.Level)
	}

	opts.logLevel = "loud"
	if _, err := opts.loadConfig(); err == nil {
		t.Errorf("expected invalid log level to be rejected")
	}
}
