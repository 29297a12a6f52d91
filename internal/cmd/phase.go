package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/spf13/cobra"
)

func registerPhaseCmd(root *cobra.Command, opts *globalOptions) {
	phaseCmd := &cobra.Command{
		Use:   "phase",
		Short: "Move phases of the active run through their lifecycle",
	}

	phaseCmd.AddCommand(newPhaseStartCmd(opts))
	phaseCmd.AddCommand(newPhaseCompleteCmd(opts))
	phaseCmd.AddCommand(newPhaseFailCmd(opts))
	phaseCmd.AddCommand(newPhaseSkipCmd(opts))

	root.AddCommand(phaseCmd)
}

func newPhaseStartCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <phase>",
		Short: "Start a phase and plan the artifacts its transition needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.coord.StartPhase(cmd.Context(), a.workspace, args[0])
			if err != nil {
				return err
			}
			return a.printResult(res)
		},
	}
}

func newPhaseCompleteCmd(opts *globalOptions) *cobra.Command {
	var artifacts []string

	cmd := &cobra.Command{
		Use:   "complete <phase>",
		Short: "Complete a phase, recording the artifacts it produced",
		Long: `Complete the in-progress phase and write a checkpoint.

Produced artifacts are given as id=path and may be repeated. When every
planned phase has finished the run completes.

Example:
  continuum phase complete architect --artifact plan=.continuum/plan.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseArtifactRefs(artifacts)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			var cp run.Checkpoint
			r, err := a.coord.Update(cmd.Context(), a.workspace, "", func(r *run.Run) (*run.Run, error) {
				// Recorded first so the completion checkpoint carries them.
				recordArtifactPaths(r, refs)
				var cerr error
				cp, cerr = a.coord.Phases().CompletePhase(r, args[0], refs)
				return r, cerr
			})
			if err != nil {
				return err
			}
			return a.printPhaseOutcome(r, args[0], cp.ID)
		},
	}
	cmd.Flags().StringArrayVarP(&artifacts, "artifact", "a", nil, "Produced artifact as id=path (repeatable)")
	return cmd
}

func newPhaseFailCmd(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <phase>",
		Short: "Mark a phase failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			var cp run.Checkpoint
			r, err := a.coord.Update(cmd.Context(), a.workspace, "", func(r *run.Run) (*run.Run, error) {
				var ferr error
				cp, ferr = a.coord.Phases().FailPhase(r, args[0], reason)
				return r, ferr
			})
			if err != nil {
				return err
			}
			return a.printPhaseOutcome(r, args[0], cp.ID)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the phase failed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newPhaseSkipCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "skip <phase>",
		Short: "Skip a phase that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.coord.Update(cmd.Context(), a.workspace, "", func(r *run.Run) (*run.Run, error) {
				return r, a.coord.Phases().SkipPhase(r, args[0])
			})
			if err != nil {
				return err
			}
			return a.printPhaseOutcome(r, args[0], "")
		},
	}
}

func (a *app) printPhaseOutcome(r *run.Run, name, checkpointID string) error {
	p := r.Phase(name)
	if a.json {
		return writeJSON(a.out, struct {
			RunID        string     `json:"run_id"`
			RunStatus    run.Status `json:"run_status"`
			Phase        *run.Phase `json:"phase"`
			CheckpointID string     `json:"checkpoint_id,omitempty"`
		}{r.RunID, r.Status, p, checkpointID})
	}

	line := fmt.Sprintf("%s %s", name, a.styles.phaseStatus(p.Status))
	if checkpointID != "" {
		line += a.styles.muted.Render(" checkpoint " + checkpointID)
	}
	fmt.Fprintln(a.out, line)
	if r.Status == run.StatusCompleted {
		fmt.Fprintf(a.out, "Run %s %s\n", r.RunID, a.styles.runStatus(r.Status))
	}
	return nil
}

// recordArtifactPaths exposes produced artifact paths to reload specs as
// context_metadata.values.<id>_path.
func recordArtifactPaths(r *run.Run, refs []run.ArtifactRef) {
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		if r.ContextMetadata.Values == nil {
			r.ContextMetadata.Values = make(map[string]any)
		}
		r.ContextMetadata.Values[ref.ID+"_path"] = ref.Path
	}
}

// parseArtifactRefs parses id=path pairs. The id may carry a type as
// id:type=path.
func parseArtifactRefs(values []string) ([]run.ArtifactRef, error) {
	refs := make([]run.ArtifactRef, 0, len(values))
	for _, v := range values {
		key, path, ok := strings.Cut(v, "=")
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("%w: artifact %q must be id=path", errors.ErrInvalidInput, v)
		}
		id, typ, _ := strings.Cut(key, ":")
		if id == "" {
			return nil, fmt.Errorf("%w: artifact %q has no id", errors.ErrInvalidInput, v)
		}
		refs = append(refs, run.ArtifactRef{ID: id, Type: typ, Path: path})
	}
	return refs, nil
}
