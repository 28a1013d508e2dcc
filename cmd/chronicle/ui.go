package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type ui struct {
	enabled bool

	bold  lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	error lipgloss.Style
	label lipgloss.Style
}

func newUI(out *os.File) ui {
	r := lipgloss.NewRenderer(out)
	return ui{
		enabled: shouldStyle(out),

		bold:  r.NewStyle().Bold(true),
		dim:   r.NewStyle().Faint(true),
		ok:    r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		error: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		label: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4a7c59", Dark: "#9fd8a8"}).Bold(true),
	}
}

func shouldStyle(out *os.File) bool {
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb")
}

func (u ui) Bold(s string) string  { return u.render(u.bold, s) }
func (u ui) Dim(s string) string   { return u.render(u.dim, s) }
func (u ui) OK(s string) string    { return u.render(u.ok, s) }
func (u ui) Warn(s string) string  { return u.render(u.warn, s) }
func (u ui) Error(s string) string { return u.render(u.error, s) }
func (u ui) Label(s string) string { return u.render(u.label, s) }

func (u ui) render(style lipgloss.Style, s string) string {
	if !u.enabled {
		return s
	}
	return style.Render(s)
}

// state colours a lifecycle or health word.
func (u ui) state(s string) string {
	switch s {
	case "running", "ok", "healthy":
		return u.OK(s)
	case "starting", "stopping", "degraded":
		return u.Warn(s)
	case "stopped", "idle", "down", "unhealthy":
		return u.Error(s)
	}
	return s
}
