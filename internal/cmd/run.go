package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func registerRunCmd(root *cobra.Command, opts *globalOptions) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect and manage workflow runs",
	}

	runCmd.AddCommand(newRunStartCmd(opts))
	runCmd.AddCommand(newRunListCmd(opts))
	runCmd.AddCommand(newRunShowCmd(opts))
	runCmd.AddCommand(newRunRecoverCmd(opts))
	runCmd.AddCommand(newRunCleanupCmd(opts))
	runCmd.AddCommand(newRunSetCmd(opts))
	runCmd.AddCommand(newRunStatusCmd(opts, "pause", "Pause the active run", func(a *app, r *run.Run) error {
		return a.coord.Phases().Pause(r)
	}))
	runCmd.AddCommand(newRunStatusCmd(opts, "resume", "Resume a paused run", func(a *app, r *run.Run) error {
		return a.coord.Phases().Resume(r)
	}))

	root.AddCommand(runCmd)
}

func newRunStartCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "start [workflow-id] <work-ref>",
		Short: "Start a run and make it the workspace's active run",
		Long: `Start a run of a workflow for a unit of work and make it the active run.

With a single argument the configured default workflow (workflow.default) is
used. If another run is already active the command fails and changes nothing;
pass --force to replace it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			workflowID, workRef := a.cfg.Workflow.Default, args[0]
			if len(args) == 2 {
				workflowID, workRef = args[0], args[1]
			}

			res, _, err := a.coord.StartRun(cmd.Context(), a.workspace, workflowID, workRef, force)
			if err != nil && !errors.Is(err, errors.ErrConflictDetected) {
				return err
			}
			if perr := a.printResult(res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace the current active run")
	return cmd
}

func newRunListCmd(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			summaries, err := a.store().List(cmd.Context(), all)
			if err != nil {
				return err
			}
			if a.json {
				if summaries == nil {
					summaries = []state.Summary{}
				}
				return writeJSON(a.out, summaries)
			}
			return renderRunList(a.out, a.styles, summaries, time.Now())
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include archived runs")
	return cmd
}

func newRunShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run (default: the active run)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			r, err := a.loadRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, r)
			}
			return renderRun(a.out, a.styles, r)
		},
	}
}

func newRunRecoverCmd(opts *globalOptions) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Roll a failed run back to its latest usable checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.coord.Recover(cmd.Context(), a.workspace, runID)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, r)
			}
			from := r.ContextMetadata.RecoveredFromCheckpoint
			if from == "" {
				from = "phase reset"
			}
			fmt.Fprintf(a.out, "Recovered %s (%s), current phase %s\n", r.RunID, from, r.CurrentPhase)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: the active run)")
	return cmd
}

func newRunCleanupCmd(opts *globalOptions) *cobra.Command {
	var (
		runID string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive a completed run",
		Long: `Archive a run and clear the active pointer when it names the run.

Runs that have not completed are refused unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.coord.Cleanup(cmd.Context(), a.workspace, runID, force)
			if err != nil {
				return err
			}
			return a.printResult(res)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: the active run)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Archive even if the run has not completed")
	return cmd
}

func newRunSetCmd(opts *globalOptions) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Set context metadata values visible to reload conditions",
		Long: `Set free-form values under context_metadata.values of a run.

Values are parsed as JSON when possible (numbers, true/false, quoted
strings) and stored as plain strings otherwise. An empty value deletes the key.

Example:
  continuum run set brief_path=docs/brief.md review_round=2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseValues(args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.coord.Update(cmd.Context(), a.workspace, runID, func(r *run.Run) (*run.Run, error) {
				if r.ContextMetadata.Values == nil {
					r.ContextMetadata.Values = make(map[string]any)
				}
				for k, v := range values {
					if v == nil {
						delete(r.ContextMetadata.Values, k)
						continue
					}
					r.ContextMetadata.Values[k] = v
				}
				r.Touch(time.Now().UTC())
				return r, nil
			})
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, r.ContextMetadata.Values)
			}
			fmt.Fprintf(a.out, "Updated %d values on %s\n", len(values), r.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: the active run)")
	return cmd
}

// parseValues parses key=value arguments. A nil value marks a deletion.
func parseValues(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q must be key=value", errors.ErrInvalidInput, arg)
		}
		if raw == "" {
			values[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		values[key] = v
	}
	return values, nil
}

// newRunStatusCmd builds a command that applies a run-level status change.
func newRunStatusCmd(opts *globalOptions, use, short string, apply func(a *app, r *run.Run) error) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.coord.Update(cmd.Context(), a.workspace, runID, func(r *run.Run) (*run.Run, error) {
				return r, apply(a, r)
			})
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, r)
			}
			fmt.Fprintf(a.out, "%s %s\n", r.RunID, a.styles.runStatus(r.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: the active run)")
	return cmd
}

// loadRun loads runID, or the active run when empty. Archived runs are
// found too.
func (a *app) loadRun(ctx context.Context, runID string) (*run.Run, error) {
	store := a.store()
	if runID == "" {
		id, err := store.ReadActivePointer(ctx)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NewNotFoundError("active run", a.workspace).WithCause(err)
			}
			return nil, err
		}
		runID = id
	}
	r, err := store.Load(ctx, runID)
	if errors.IsNotFound(err) {
		if archived, aerr := store.LoadArchived(ctx, runID); aerr == nil {
			return archived, nil
		}
	}
	return r, err
}

func renderRunList(w io.Writer, s styles, summaries []state.Summary, now time.Time) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No runs")
		return err
	}

	width := terminalWidth(w, 0)
	var sb strings.Builder
	for _, sum := range summaries {
		marker := "  "
		if sum.Active {
			marker = s.active.Render("* ")
		}
		line := fmt.Sprintf("%s%s  %s  %s", marker, sum.RunID, s.runStatus(sum.Status), sum.WorkflowID)
		if sum.CurrentPhase != "" {
			line += "/" + sum.CurrentPhase
		}
		line += "  " + s.muted.Render(formatAge(now, sum.UpdatedAt))
		if sum.Archived {
			line += s.muted.Render(" (archived)")
		}
		if width > 0 {
			line = lipgloss.NewStyle().MaxWidth(width).Render(line)
		}
		sb.WriteString(line + "\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func renderRun(w io.Writer, s styles, r *run.Run) error {
	var sb strings.Builder

	sb.WriteString(s.title.Render(r.RunID) + "\n")
	fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("workflow:"), r.WorkflowID)
	fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("work:"), r.WorkRef)
	fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("status:"), s.runStatus(r.Status))
	if r.CurrentPhase != "" {
		fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("phase:"), r.CurrentPhase)
	}
	fmt.Fprintf(&sb, "  %s %s\n", s.label.Render("updated:"), formatTime(&r.UpdatedAt))

	sb.WriteString("\n" + s.label.Render("Phases") + "\n")
	for _, p := range r.Phases {
		line := fmt.Sprintf("  %-14s %s", p.Name, s.phaseStatus(p.Status))
		if p.FailureReason != "" {
			line += " " + s.failure.Render(p.FailureReason)
		}
		if len(p.ProducedArtifacts) > 0 {
			ids := make([]string, 0, len(p.ProducedArtifacts))
			for _, art := range p.ProducedArtifacts {
				ids = append(ids, art.ID)
			}
			line += " " + s.muted.Render("["+strings.Join(ids, ", ")+"]")
		}
		sb.WriteString(line + "\n")
	}

	if cur := r.Sessions.Current; cur != nil {
		sb.WriteString("\n" + s.label.Render("Session") + "\n")
		fmt.Fprintf(&sb, "  %s since %s (%s)\n", cur.ID, formatTime(&cur.StartedAt), cur.Trigger)
		if len(cur.ArtifactsLoaded) > 0 {
			fmt.Fprintf(&sb, "  loaded: %s\n", strings.Join(cur.ArtifactsLoaded, ", "))
		}
	}
	fmt.Fprintf(&sb, "\n%s %d closed sessions, %d checkpoints\n",
		s.muted.Render("history:"), len(r.Sessions.History), len(r.Checkpoints))

	_, err := io.WriteString(w, sb.String())
	return err
}
