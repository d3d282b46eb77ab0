package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("46"))

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))
)

// printStatus writes one status line for a trigger of script.
func printStatus(w io.Writer, script string, err error) {
	stamp := dimStyle.Render(time.Now().Format("15:04:05"))
	if err != nil {
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Left,
			stamp, " ", failStyle.Render("FAILED"), " ", pathStyle.Render(script), " ", err.Error()))
		return
	}
	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Left,
		stamp, " ", okStyle.Render("QUEUED"), " ", pathStyle.Render(script)))
}
