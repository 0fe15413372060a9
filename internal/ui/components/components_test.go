package components

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

func event(index int, p models.Payload) models.Event {
	return models.Event{Index: index, Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), Payload: p}
}

func TestAgentSteps(t *testing.T) {
	a := NewAgentSteps(40)
	a.Start("planner")
	a.Start("writer")
	a.Finish("planner", 5)

	view := a.View()
	if !strings.Contains(view, "Agents") {
		t.Errorf("expected view to contain title")
	}
	if !strings.Contains(view, "→ writer") {
		t.Errorf("expected running writer, got %q", view)
	}
	if !strings.Contains(view, "✓ planner") {
		t.Errorf("expected finished planner, got %q", view)
	}
	if len(a.Active) != 1 {
		t.Errorf("expected 1 active agent, got %v", a.Active)
	}
}

func TestAgentStepsLimitAndEmpty(t *testing.T) {
	a := NewAgentSteps(40)
	if !strings.Contains(a.View(), "No agents yet") {
		t.Errorf("expected placeholder when empty")
	}

	for _, name := range []string{"a", "b", "c"} {
		a.Start(name)
		a.Finish(name, 2)
	}
	if len(a.Finished) != 2 || a.Finished[0] != "b" {
		t.Errorf("expected last two finished agents, got %v", a.Finished)
	}
	if strings.Contains(a.View(), "Running") {
		t.Errorf("expected no Running box when nothing is active")
	}
}

func TestFormatEvent(t *testing.T) {
	line := FormatEvent(event(3, models.AgentStart{Step: models.Step{Agent: "writer", Content: "drafting"}}))
	for _, want := range []string{"#3", "agent_start", "writer", "drafting"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}

	line = FormatEvent(event(4, models.AskUser{
		Question: "Which title?",
		Options:  []models.AskUserOption{{ID: "t1", Label: "Cozy mornings"}},
	}))
	if !strings.Contains(line, "Which title?") || !strings.Contains(line, "[t1] Cozy mornings") {
		t.Errorf("expected question and options, got %q", line)
	}

	p := 42.0
	line = FormatEvent(event(5, models.ProgressUpdate{Step: models.Step{Progress: &p}}))
	if !strings.Contains(line, "(42%)") {
		t.Errorf("expected progress, got %q", line)
	}

	line = FormatEvent(event(6, models.WorkflowFailed{Content: "rate limited"}))
	if !strings.Contains(line, "workflow_failed") || !strings.Contains(line, "rate limited") {
		t.Errorf("expected failure line, got %q", line)
	}
}

func TestTimeline(t *testing.T) {
	tl := NewTimeline(80, 20)
	tl.SetSize(80, 20)

	tl.AppendEvent(event(0, models.Message{Step: models.Step{Content: "hello"}}))
	tl.AppendStatus("paused")

	view := tl.View()
	if !strings.Contains(view, "hello") {
		t.Errorf("expected view to contain hello")
	}
	if !strings.Contains(view, "--- paused ---") {
		t.Errorf("expected view to contain status message")
	}
	if tl.Len() != 2 {
		t.Errorf("expected 2 lines, got %d", tl.Len())
	}

	tl.Reset()
	if strings.Contains(tl.View(), "hello") {
		t.Errorf("expected view to be cleared after Reset")
	}
}

func TestTimelineScrollbar(t *testing.T) {
	tl := NewTimeline(40, 5)
	tl.SetSize(40, 5)

	for i := 0; i < 10; i++ {
		tl.AppendEvent(event(i, models.Message{Step: models.Step{Content: "line"}}))
	}

	view := tl.View()
	if !strings.Contains(view, "┃") {
		t.Errorf("expected view to contain scrollbar handle '┃'")
	}
	if !strings.Contains(view, "│") {
		t.Errorf("expected view to contain scrollbar track '│'")
	}
}

func TestTimelineNoScrollbar(t *testing.T) {
	tl := NewTimeline(40, 10)
	tl.SetSize(40, 10)
	tl.AppendStatus("short")

	view := tl.View()
	if strings.Contains(view, "┃") || strings.Contains(view, "│") {
		t.Errorf("expected view to NOT contain scrollbar when content fits")
	}
}

func TestTimelineWrapping(t *testing.T) {
	width, height := 30, 10
	tl := NewTimeline(width, height)
	tl.SetSize(width, height)

	tl.AppendEvent(event(0, models.Message{Step: models.Step{
		Content: "this is a very long message that should definitely wrap because it exceeds the width",
	}}))

	lines := strings.Split(strings.TrimSpace(tl.View()), "\n")
	if len(lines) <= 1 {
		t.Errorf("expected content to wrap into multiple lines, got %q", tl.View())
	}
	for i, line := range lines {
		if w := lipgloss.Width(line); w > width {
			t.Errorf("line %d is too wide: %d > %d. Content: %q", i, w, width, line)
		}
	}
}
