package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// setColor picks the color profile of stdout; plain output when it is not a
// terminal or colors are disabled.
func setColor(noColor bool) {
	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }
func renderHeader(s string) string { return headerStyle.Render(s) }
