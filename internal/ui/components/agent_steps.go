package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	finishedBoxStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Border(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("42")).
				Padding(0, 1)

	activeBoxStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1)

	stepsHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("252")).
				Padding(0, 1)

	subTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	placeholderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true).
				Padding(0, 1)
)

// AgentSteps lists which agents of a workflow are running and which have finished.
type AgentSteps struct {
	Active   []string
	Finished []string
	Width    int
	Title    string
}

func NewAgentSteps(width int) *AgentSteps {
	return &AgentSteps{Width: width, Title: "Agents"}
}

// Start marks agent as running.
func (a *AgentSteps) Start(agent string) {
	if agent == "" {
		return
	}
	a.Active = append(remove(a.Active, agent), agent)
}

// Finish moves agent from running to finished, keeping at most limit entries.
func (a *AgentSteps) Finish(agent string, limit int) {
	if agent == "" {
		return
	}
	a.Active = remove(a.Active, agent)
	a.Finished = append(a.Finished, agent)
	if limit > 0 && len(a.Finished) > limit {
		a.Finished = a.Finished[len(a.Finished)-limit:]
	}
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (a *AgentSteps) View() string {
	var boxes []string
	if len(a.Active) > 0 {
		boxes = append(boxes, a.renderBox("Running", a.Active, activeBoxStyle, "→"))
	}
	if len(a.Finished) > 0 {
		boxes = append(boxes, a.renderBox("Finished", a.Finished, finishedBoxStyle, "✓"))
	}

	content := placeholderStyle.Render("No agents yet")
	if len(boxes) > 0 {
		content = strings.Join(boxes, "\n")
	}
	if a.Title != "" {
		return stepsHeaderStyle.Render(a.Title) + "\n" + content
	}
	return content
}

func (a *AgentSteps) renderBox(title string, agents []string, style lipgloss.Style, icon string) string {
	subTitle := subTitleStyle.Foreground(style.GetForeground()).Render(title)

	nameWidth := a.Width - 6
	if nameWidth < 0 {
		nameWidth = 0
	}

	var lines []string
	for _, name := range agents {
		wrapped := lipgloss.NewStyle().Width(nameWidth).Render(name)
		for i, line := range strings.Split(wrapped, "\n") {
			if i == 0 {
				lines = append(lines, fmt.Sprintf("%s %s", icon, line))
			} else {
				lines = append(lines, fmt.Sprintf("  %s", line))
			}
		}
	}

	return style.Width(a.Width).Render(subTitle + "\n" + strings.Join(lines, "\n"))
}
