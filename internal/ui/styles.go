package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var statusStyles = map[models.TaskStatus]lipgloss.Style{
	models.TaskStatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	models.TaskStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	models.TaskStatusPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	models.TaskStatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	models.TaskStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
}

// RenderStatus colours a task status for terminal output.
func RenderStatus(s models.TaskStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}
