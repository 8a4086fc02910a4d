package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("241")).
			Padding(0, 1)
	frameTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// Frame boxes a diagnostic block under a title.
func Frame(title, body string) string {
	return frameStyle.Render(frameTitleStyle.Render(title) + "\n" + strings.TrimRight(body, "\n"))
}
