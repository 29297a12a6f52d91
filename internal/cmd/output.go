package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/continuum/internal/recovery"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// styles holds the lipgloss styles for human output. With color off every
// style renders plain text.
type styles struct {
	color   bool
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	active  lipgloss.Style
}

func newStyles(mode string, out io.Writer) styles {
	color := colorEnabled(mode, out)
	s := styles{color: color}
	if !color {
		plain := lipgloss.NewStyle()
		s.title, s.label, s.muted = plain, plain, plain
		s.success, s.warning, s.failure, s.active = plain, plain, plain, plain
		return s
	}
	s.title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	s.label = lipgloss.NewStyle().Bold(true)
	s.muted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	s.success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	s.warning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	s.failure = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	s.active = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	return s
}

// colorEnabled resolves output.color. "auto" colors only a terminal and
// honors NO_COLOR.
func colorEnabled(mode string, out io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of out, or fallback when it is not a
// terminal.
func terminalWidth(out io.Writer, fallback int) int {
	if f, ok := out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return fallback
}

func (s styles) runStatus(status run.Status) string {
	switch status {
	case run.StatusCompleted:
		return s.success.Render(string(status))
	case run.StatusFailed:
		return s.failure.Render(string(status))
	case run.StatusPaused:
		return s.warning.Render(string(status))
	case run.StatusInProgress:
		return s.active.Render(string(status))
	default:
		return s.muted.Render(string(status))
	}
}

func (s styles) phaseStatus(status run.PhaseStatus) string {
	switch status {
	case run.PhaseCompleted:
		return s.success.Render(string(status))
	case run.PhaseFailed:
		return s.failure.Render(string(status))
	case run.PhaseSkipped:
		return s.muted.Render(string(status))
	case run.PhaseInProgress:
		return s.active.Render(string(status))
	default:
		return s.muted.Render(string(status))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a coordinator result as JSON or as a short summary.
func (a *app) printResult(res recovery.Result) error {
	if a.json {
		return writeJSON(a.out, res)
	}
	return renderResult(a.out, a.styles, res)
}

func renderResult(w io.Writer, s styles, res recovery.Result) error {
	var sb strings.Builder

	head := string(res.Action)
	if res.RunID != "" {
		head += " " + s.muted.Render(res.RunID)
	}
	sb.WriteString(s.title.Render(head))
	sb.WriteString("\n")
	if res.Message != "" {
		sb.WriteString("  " + res.Message + "\n")
	}
	if res.Session != nil {
		fmt.Fprintf(&sb, "  %s %s (%s)\n", s.label.Render("session:"), res.Session.ID, res.Session.Trigger)
	}
	if res.CheckpointID != "" {
		fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("checkpoint:"), res.CheckpointID)
	}
	if len(res.Instructions) > 0 {
		sb.WriteString("  " + s.label.Render("load:") + "\n")
		for _, in := range res.Instructions {
			req := ""
			if in.Required {
				req = s.warning.Render(" required")
			}
			fmt.Fprintf(&sb, "    %d. %s %s%s\n", in.Order, in.ArtifactID, s.muted.Render(in.Path), req)
		}
	}
	if len(res.Skipped) > 0 {
		sb.WriteString("  " + s.label.Render("skipped:") + "\n")
		for _, sk := range res.Skipped {
			fmt.Fprintf(&sb, "    %s %s\n", sk.ArtifactID, s.muted.Render("("+string(sk.Reason)+")"))
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(&sb, "  %s %s: %s\n", s.warning.Render("warning:"), warn.ArtifactID, warn.Message)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
