// Package phase drives a run and its phase records through their state
// machines. Every transition is validated against the tables in package run;
// completions and failures write a checkpoint before returning so state is
// recoverable at every phase boundary.
package phase

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/continuum/internal/checkpoint"
	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/manifest"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

// Tracker performs run lifecycle operations. It mutates the run in memory;
// persisting the result is the caller's job.
type Tracker struct {
	clock       run.Clock
	checkpoints *checkpoint.Manager
	bus         *event.Bus
	logger      *logging.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBus publishes lifecycle events to bus.
func WithBus(bus *event.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger sets the tracker's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithCheckpointManager overrides the checkpoint manager, typically to pin
// checkpoint ids in tests.
func WithCheckpointManager(m *checkpoint.Manager) Option {
	return func(t *Tracker) { t.checkpoints = m }
}

// NewTracker creates a Tracker. A nil clock means the system clock.
func NewTracker(clock run.Clock, opts ...Option) *Tracker {
	if clock == nil {
		clock = run.SystemClock{}
	}
	t := &Tracker{clock: clock}
	for _, opt := range opts {
		opt(t)
	}
	if t.checkpoints == nil {
		t.checkpoints = checkpoint.NewManager(clock)
	}
	return t
}

// Create builds a pending run from a workflow definition: one not_started
// record per planned phase, the manifest from the same template, an empty
// session history and an initial checkpoint.
func (t *Tracker) Create(def *workflowdef.Definition, workRef, workspace string) (*run.Run, error) {
	if def == nil || len(def.Phases) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "create run: workflow has no phases")
	}

	now := t.clock.Now()
	runID, err := run.NewRunID(workRef, now)
	if err != nil {
		return nil, errors.NewRunError("create run", err).WithWorkspace(workspace)
	}

	r := &run.Run{
		RunID:       runID,
		WorkflowID:  def.ID,
		WorkRef:     workRef,
		Workspace:   workspace,
		Status:      run.StatusPending,
		Phases:      []run.Phase{},
		Checkpoints: []run.Checkpoint{},
		Sessions:    run.SessionHistory{History: []run.Session{}},
		ContextMetadata: run.Metadata{
			LoadedArtifacts: map[string]time.Time{},
			Values:          map[string]any{},
		},
		FormatVersion: run.FormatVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := manifest.CreateManifest(r, def.PlannedPhases()); err != nil {
		return nil, err
	}
	r.CurrentPhase = r.Manifest.Phases[0].Name

	t.bus.Publish(event.NewRunCreatedEvent(now, r.RunID, r.WorkflowID, r.WorkRef))
	if _, err := t.checkpoint(r, run.CheckpointCreated); err != nil {
		return nil, err
	}
	t.logger.WithRun(r.RunID).Info("run created",
		"workflow_id", r.WorkflowID, "work_ref", r.WorkRef, "phases", len(r.Phases))
	return r, nil
}

// StartPhase moves a not_started phase to in_progress and makes it current.
// Only one phase may be in progress at a time. A pending or paused run moves
// to in_progress.
func (t *Tracker) StartPhase(r *run.Run, name string) error {
	p, err := lookup(r, name)
	if err != nil {
		return err
	}
	// A failed run resumes through recovery, not by starting a phase.
	if r.Status == run.StatusFailed ||
		(r.Status != run.StatusInProgress && !r.Status.CanTransitionTo(run.StatusInProgress)) {
		return errors.NewTransitionError("phase", name, string(p.Status), string(run.PhaseInProgress)).
			WithRunID(r.RunID).
			WithDetail(fmt.Sprintf("cannot start phase '%s' while the run is %s", name, r.Status))
	}
	if active := r.ActivePhase(); active != nil && active.Name != name {
		return errors.NewTransitionError("phase", name, string(p.Status), string(run.PhaseInProgress)).
			WithRunID(r.RunID).
			WithDetail(fmt.Sprintf("cannot start phase '%s': phase '%s' is already in progress", name, active.Name))
	}
	if err := t.movePhase(r, p, run.PhaseInProgress); err != nil {
		return err
	}

	now := t.clock.Now()
	p.StartedAt = &now
	p.CompletedAt = nil
	p.FailureReason = ""
	r.CurrentPhase = name

	if r.Status == run.StatusPending || r.Status == run.StatusPaused {
		t.moveRun(r, run.StatusInProgress)
	}
	r.Touch(now)
	t.logger.WithRun(r.RunID).WithPhase(name).Info("phase started")
	return nil
}

// CompletePhase completes an in_progress phase and records its artifacts on
// both the phase and the manifest. When every planned phase is then
// terminal, the manifest and run complete. A checkpoint is written last so
// it captures the final state.
func (t *Tracker) CompletePhase(r *run.Run, name string, artifacts []run.ArtifactRef) (run.Checkpoint, error) {
	p, err := lookup(r, name)
	if err != nil {
		return run.Checkpoint{}, err
	}
	if err := requireActiveRun(r, name, p.Status, run.PhaseCompleted); err != nil {
		return run.Checkpoint{}, err
	}
	if err := t.movePhase(r, p, run.PhaseCompleted); err != nil {
		return run.Checkpoint{}, err
	}

	now := t.clock.Now()
	p.CompletedAt = &now
	for _, a := range artifacts {
		p.ProducedArtifacts = mergeArtifact(p.ProducedArtifacts, a)
		if err := manifest.AddArtifact(&r.Manifest, name, a); err != nil && !errors.IsNotFound(err) {
			return run.Checkpoint{}, err
		}
	}
	r.Touch(now)

	if err := t.completeIfDone(r); err != nil {
		return run.Checkpoint{}, err
	}
	t.logger.WithRun(r.RunID).WithPhase(name).Info("phase completed", "artifacts", len(artifacts))
	return t.checkpoint(r, run.CheckpointPhaseCompleted)
}

// FailPhase fails an in_progress phase and the run with it. current_phase
// stays on the failed phase so recovery knows where to resume.
func (t *Tracker) FailPhase(r *run.Run, name, reason string) (run.Checkpoint, error) {
	p, err := lookup(r, name)
	if err != nil {
		return run.Checkpoint{}, err
	}
	if r.Status.IsTerminal() || r.Status == run.StatusFailed {
		return run.Checkpoint{}, errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusFailed)).
			WithRunID(r.RunID)
	}
	if !p.Status.CanTransitionTo(run.PhaseFailed) {
		return run.Checkpoint{}, errors.NewTransitionError("phase", name, string(p.Status), string(run.PhaseFailed)).
			WithRunID(r.RunID)
	}
	p.FailureReason = reason
	if err := t.movePhase(r, p, run.PhaseFailed); err != nil {
		return run.Checkpoint{}, err
	}

	now := t.clock.Now()
	t.moveRun(r, run.StatusFailed)
	r.Touch(now)

	t.logger.WithRun(r.RunID).WithPhase(name).Warn("phase failed", "reason", reason)
	return t.checkpoint(r, run.CheckpointPhaseFailed)
}

// SkipPhase marks a not_started phase skipped. Skipping the last open phase
// completes the run.
func (t *Tracker) SkipPhase(r *run.Run, name string) error {
	p, err := lookup(r, name)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() || r.Status == run.StatusFailed {
		return errors.NewTransitionError("phase", name, string(p.Status), string(run.PhaseSkipped)).
			WithRunID(r.RunID).
			WithDetail(fmt.Sprintf("cannot skip phase '%s' while the run is %s", name, r.Status))
	}
	if err := t.movePhase(r, p, run.PhaseSkipped); err != nil {
		return err
	}
	r.Touch(t.clock.Now())
	t.logger.WithRun(r.RunID).WithPhase(name).Info("phase skipped")
	return t.completeIfDone(r)
}

// Pause suspends an in_progress run.
func (t *Tracker) Pause(r *run.Run) error {
	if !r.Status.CanTransitionTo(run.StatusPaused) {
		return errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusPaused)).WithRunID(r.RunID)
	}
	t.moveRun(r, run.StatusPaused)
	r.Touch(t.clock.Now())
	return nil
}

// Resume continues a paused run.
func (t *Tracker) Resume(r *run.Run) error {
	if r.Status != run.StatusPaused {
		return errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusInProgress)).WithRunID(r.RunID)
	}
	t.moveRun(r, run.StatusInProgress)
	r.Touch(t.clock.Now())
	return t.completeIfDone(r)
}

// SaveNow writes an explicit checkpoint at the current phase.
func (t *Tracker) SaveNow(r *run.Run) (run.Checkpoint, error) {
	return t.checkpoint(r, run.CheckpointSaveNow)
}

// Recover rolls a failed run back to its latest usable checkpoint. It
// returns a new run value; r is left untouched.
func (t *Tracker) Recover(r *run.Run) (*run.Run, error) {
	recovered, err := t.checkpoints.Recover(r)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	t.bus.Publish(event.NewRunStatusChangedEvent(now, r.RunID, string(r.Status), string(recovered.Status)))
	t.bus.Publish(event.NewRunRecoveredEvent(now, r.RunID, recovered.CurrentPhase,
		recovered.ContextMetadata.RecoveredFromCheckpoint))
	t.logger.WithRun(r.RunID).WithPhase(recovered.CurrentPhase).Info("run recovered",
		"checkpoint_id", recovered.ContextMetadata.RecoveredFromCheckpoint,
		"recovery_count", recovered.ContextMetadata.RecoveryCount)
	return recovered, nil
}

// completeIfDone completes the run once no planned phase is pending. A
// paused run completes when it resumes.
func (t *Tracker) completeIfDone(r *run.Run) error {
	if r.Status == run.StatusPaused || r.Manifest.Completed || len(manifest.Pending(r)) > 0 {
		return nil
	}
	from := r.Status
	done, err := manifest.Complete(r, t.clock.Now())
	if err != nil {
		return err
	}
	if done {
		t.bus.Publish(event.NewRunStatusChangedEvent(t.clock.Now(), r.RunID, string(from), string(r.Status)))
		t.logger.WithRun(r.RunID).Info("run completed")
	}
	return nil
}

func (t *Tracker) checkpoint(r *run.Run, reason run.CheckpointReason) (run.Checkpoint, error) {
	cp, err := t.checkpoints.Create(r, reason)
	if err != nil {
		return run.Checkpoint{}, err
	}
	t.bus.Publish(event.NewCheckpointCreatedEvent(cp.CreatedAt, r.RunID, cp.ID, cp.PhaseName, string(cp.Reason)))
	return cp, nil
}

func (t *Tracker) movePhase(r *run.Run, p *run.Phase, to run.PhaseStatus) error {
	if !p.Status.CanTransitionTo(to) {
		return errors.NewTransitionError("phase", p.Name, string(p.Status), string(to)).WithRunID(r.RunID)
	}
	from := p.Status
	p.Status = to
	ev := event.NewPhaseTransitionedEvent(t.clock.Now(), r.RunID, p.Name, string(from), string(to))
	if to == run.PhaseFailed {
		ev.Reason = p.FailureReason
	}
	t.bus.Publish(ev)
	return nil
}

func (t *Tracker) moveRun(r *run.Run, to run.Status) {
	from := r.Status
	r.Status = to
	t.bus.Publish(event.NewRunStatusChangedEvent(t.clock.Now(), r.RunID, string(from), string(to)))
}

func lookup(r *run.Run, name string) (*run.Phase, error) {
	if p := r.Phase(name); p != nil {
		return p, nil
	}
	return nil, errors.NewNotFoundError("phase", name)
}

// requireActiveRun rejects phase completion on runs that are not executing.
func requireActiveRun(r *run.Run, name string, from, to run.PhaseStatus) error {
	if r.Status == run.StatusInProgress {
		return nil
	}
	return errors.NewTransitionError("phase", name, string(from), string(to)).
		WithRunID(r.RunID).
		WithDetail(fmt.Sprintf("cannot move phase '%s' to %s while the run is %s", name, to, r.Status))
}

func mergeArtifact(list []run.ArtifactRef, a run.ArtifactRef) []run.ArtifactRef {
	for i := range list {
		if list[i].ID == a.ID {
			list[i] = a
			return list
		}
	}
	return append(list, a)
}
