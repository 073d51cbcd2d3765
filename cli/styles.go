package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

const (
	colorAccent = "110" // soft blue for titles and scores
	colorGray   = "245" // paths, secondary text
	colorDim    = "238" // separators
	colorGreen  = "77"  // success lines
	colorYellow = "220" // warnings
	colorRed    = "196" // errors
)

// styles holds the terminal styles shared by the commands.
type styles struct {
	Title   lipgloss.Style
	Score   lipgloss.Style
	Path    lipgloss.Style
	Rule    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Label   lipgloss.Style
}

func colorStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		Path:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
		Rule:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorDim)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

func plainStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle(),
		Score:   lipgloss.NewStyle(),
		Path:    lipgloss.NewStyle(),
		Rule:    lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
	}
}

// termStyles picks colored output on a terminal and plain output when
// stdout is piped.
func termStyles() styles {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return colorStyles()
	}
	return plainStyles()
}
