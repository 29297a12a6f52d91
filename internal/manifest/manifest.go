// Package manifest maintains a run's declarative plan: the phases it will
// execute and the artifacts each is expected to produce.
package manifest

import (
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
)

// CreateManifest replaces the run's plan with planned. Phases named in the
// plan but missing from the run's records are added as not_started, so
// current_phase always has a record to point at. A completed manifest is
// immutable.
func CreateManifest(r *run.Run, planned []run.PlannedPhase) error {
	if r.Manifest.Completed {
		return errors.NewTransitionError("manifest", r.RunID, "completed", "planned").
			WithRunID(r.RunID).
			WithDetail("manifest is already completed and cannot be re-planned")
	}

	seen := make(map[string]bool, len(planned))
	phases := make([]run.PlannedPhase, 0, len(planned))
	for _, p := range planned {
		if p.Name == "" {
			return errors.Wrapf(errors.ErrInvalidInput, "run %s: planned phase without a name", r.RunID)
		}
		if seen[p.Name] {
			return errors.Wrapf(errors.ErrInvalidInput, "run %s: phase %q planned twice", r.RunID, p.Name)
		}
		seen[p.Name] = true

		expected := make([]run.ArtifactRef, 0, len(p.ExpectedArtifacts))
		expected = append(expected, p.ExpectedArtifacts...)
		phases = append(phases, run.PlannedPhase{Name: p.Name, ExpectedArtifacts: expected})

		if r.Phase(p.Name) == nil {
			r.Phases = append(r.Phases, run.Phase{
				Name:              p.Name,
				Status:            run.PhaseNotStarted,
				ProducedArtifacts: []run.ArtifactRef{},
			})
		}
	}
	r.Manifest.Phases = phases
	return nil
}

// AddArtifact records ref as an expected artifact of phase. Artifacts are
// keyed by id: adding a known id fills in any type or path it was missing.
func AddArtifact(m *run.Manifest, phase string, ref run.ArtifactRef) error {
	if ref.ID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "artifact id is required")
	}
	for i := range m.Phases {
		p := &m.Phases[i]
		if p.Name != phase {
			continue
		}
		for j := range p.ExpectedArtifacts {
			existing := &p.ExpectedArtifacts[j]
			if existing.ID != ref.ID {
				continue
			}
			if existing.Type == "" {
				existing.Type = ref.Type
			}
			if existing.Path == "" {
				existing.Path = ref.Path
			}
			return nil
		}
		p.ExpectedArtifacts = append(p.ExpectedArtifacts, ref)
		return nil
	}
	return errors.NewNotFoundError("planned phase", phase)
}

// Pending returns the planned phases that have not reached a terminal
// status, in plan order.
func Pending(r *run.Run) []string {
	var pending []string
	for _, planned := range r.Manifest.Phases {
		p := r.Phase(planned.Name)
		if p == nil || !p.Status.IsTerminal() {
			pending = append(pending, planned.Name)
		}
	}
	return pending
}

// Complete marks the manifest complete and moves the run to completed.
// Calling it on an already completed manifest is a no-op. If any planned
// phase is not yet completed or skipped it returns IncompleteManifest and
// leaves the run untouched. The returned flag reports whether this call
// performed the completion.
func Complete(r *run.Run, now time.Time) (bool, error) {
	if r.Manifest.Completed {
		return false, nil
	}
	if pending := Pending(r); len(pending) > 0 {
		return false, errors.NewIncompleteManifestError(r.RunID, pending)
	}
	if r.Status != run.StatusCompleted && !r.Status.CanTransitionTo(run.StatusCompleted) {
		return false, errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusCompleted)).
			WithRunID(r.RunID)
	}

	completedAt := now
	r.Manifest.Completed = true
	r.Manifest.CompletedAt = &completedAt
	r.Status = run.StatusCompleted
	r.Touch(now)
	return true, nil
}
