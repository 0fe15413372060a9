package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	indexStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	scrollbarTrackStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("236"))

	scrollbarHandleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241"))
)

// Timeline renders a task's events in a scrollable viewport.
type Timeline struct {
	viewport viewport.Model
	lines    []string
	ready    bool
	width    int
	height   int
}

func NewTimeline(width, height int) *Timeline {
	return &Timeline{
		viewport: viewport.New(width, height),
		width:    width,
		height:   height,
	}
}

func (t *Timeline) SetSize(width, height int) {
	t.width = width
	t.height = height
	vpWidth := width
	if width > 0 {
		vpWidth = width - 1
	}
	if !t.ready {
		t.viewport = viewport.New(vpWidth, height)
		t.ready = true
	} else {
		t.viewport.Width = vpWidth
		t.viewport.Height = height
	}
	t.updateContent()
}

// AppendEvent adds one formatted line for ev.
func (t *Timeline) AppendEvent(ev models.Event) {
	t.lines = append(t.lines, FormatEvent(ev))
	t.updateContent()
}

func (t *Timeline) AppendStatus(status string) {
	t.lines = append(t.lines, statusStyle.Render(fmt.Sprintf("--- %s ---", status)))
	t.updateContent()
}

func (t *Timeline) Len() int {
	return len(t.lines)
}

func (t *Timeline) Reset() {
	t.lines = nil
	t.updateContent()
}

// FormatEvent renders ev as a single timeline entry.
func FormatEvent(ev models.Event) string {
	var sb strings.Builder
	sb.WriteString(indexStyle.Render(fmt.Sprintf("#%-3d %s", ev.Index, ev.Timestamp.Local().Format("15:04:05"))))
	sb.WriteString(" ")

	kind := string(ev.Type())
	switch ev.Type() {
	case models.EventAskUser:
		kind = askStyle.Render("? ask_user")
	case models.EventWorkflowComplete:
		kind = successStyle.Render("✓ workflow_complete")
	case models.EventWorkflowFailed:
		kind = failureStyle.Render("✗ workflow_failed")
	}
	sb.WriteString(kind)

	if agent := ev.Agent(); agent != "" {
		sb.WriteString(" ")
		sb.WriteString(agentStyle.Render(agent))
	}
	if p, ok := ev.ReportedProgress(); ok {
		sb.WriteString(fmt.Sprintf(" (%.0f%%)", p))
	}
	if summary := strings.TrimSpace(ev.Summary()); summary != "" {
		sb.WriteString(": ")
		sb.WriteString(summary)
	}
	if ask, ok := ev.Payload.(models.AskUser); ok {
		for _, opt := range ask.Options {
			sb.WriteString(fmt.Sprintf("\n      [%s] %s", opt.ID, opt.Label))
		}
	}
	return sb.String()
}

func (t *Timeline) updateContent() {
	width := t.viewport.Width
	content := strings.Join(t.lines, "\n")
	if width > 0 {
		content = outputStyle.Width(width).Render(content)
	} else {
		content = outputStyle.Render(content)
	}
	t.viewport.SetContent(content)
	t.viewport.GotoBottom()
}

func (t *Timeline) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	t.viewport, cmd = t.viewport.Update(msg)
	return cmd
}

func (t *Timeline) View() string {
	if !t.ready {
		return ""
	}

	if t.viewport.TotalLineCount() <= t.viewport.Height {
		return t.viewport.View()
	}

	h := t.viewport.Height
	handlePos := int(float64(h-1) * t.viewport.ScrollPercent())

	var sb strings.Builder
	for i := 0; i < h; i++ {
		if i == handlePos {
			sb.WriteString(scrollbarHandleStyle.Render("┃"))
		} else {
			sb.WriteString(scrollbarTrackStyle.Render("│"))
		}
		if i < h-1 {
			sb.WriteString("\n")
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, t.viewport.View(), sb.String())
}
