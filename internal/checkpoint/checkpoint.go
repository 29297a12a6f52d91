// Package checkpoint snapshots a run at phase boundaries and rolls a failed
// run back to its latest usable snapshot. Recovery is the only operation in
// the engine allowed to move state backward.
package checkpoint

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
)

// Manager creates checkpoints and performs recovery.
type Manager struct {
	clock run.Clock
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDFunc overrides checkpoint id generation.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager returns a Manager using clock for timestamps. A nil clock
// means the system clock.
func NewManager(clock run.Clock, opts ...Option) *Manager {
	if clock == nil {
		clock = run.SystemClock{}
	}
	m := &Manager{clock: clock, newID: uuid.NewString}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create snapshots r, appends the checkpoint to r.Checkpoints and returns it.
// The snapshot is a deep copy without checkpoints, so later mutations of r
// never reach it.
func (m *Manager) Create(r *run.Run, reason run.CheckpointReason) (run.Checkpoint, error) {
	snapshot, err := Snapshot(r)
	if err != nil {
		return run.Checkpoint{}, errors.NewRunError("snapshot run", err).WithRunID(r.RunID)
	}
	cp := run.Checkpoint{
		ID:            m.newID(),
		PhaseName:     r.CurrentPhase,
		Reason:        reason,
		CreatedAt:     m.clock.Now(),
		StateSnapshot: snapshot,
	}
	r.Checkpoints = append(r.Checkpoints, cp)
	return cp, nil
}

// Snapshot returns a deep copy of r with its checkpoints dropped.
func Snapshot(r *run.Run) (*run.Run, error) {
	shallow := *r
	shallow.Checkpoints = nil
	return shallow.Clone()
}

// LatestUsable scans checkpoints newest first and returns the first whose
// phase precedes or equals failedPhase in workflow order. Checkpoints naming
// a phase outside the workflow never match. Returns nil when none qualifies.
func LatestUsable(r *run.Run, failedPhase string) *run.Checkpoint {
	limit := r.PhaseOrder(failedPhase)
	if limit < 0 {
		return nil
	}
	for i := len(r.Checkpoints) - 1; i >= 0; i-- {
		order := r.PhaseOrder(r.Checkpoints[i].PhaseName)
		if order >= 0 && order <= limit {
			return &r.Checkpoints[i]
		}
	}
	return nil
}

// FailedPhase returns the first phase in failed status, or nil.
func FailedPhase(r *run.Run) *run.Phase {
	for i := range r.Phases {
		if r.Phases[i].Status == run.PhaseFailed {
			return &r.Phases[i]
		}
	}
	return nil
}

// Recover returns a copy of r rolled back to the latest usable checkpoint
// before its failed phase. Phase records, manifest and current phase come
// from the snapshot; checkpoints, sessions and context metadata are kept
// since they only ever grow. The failed phase, and any phase the snapshot
// caught mid-flight, are reset to not_started and the run resumes at the
// failed phase. Without a usable checkpoint the reset happens in place.
func (m *Manager) Recover(r *run.Run) (*run.Run, error) {
	failed := FailedPhase(r)
	if failed == nil {
		return nil, errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusInProgress)).
			WithRunID(r.RunID).
			WithDetail("nothing to recover: no phase has failed")
	}
	if r.Status != run.StatusFailed {
		return nil, errors.NewTransitionError("run", r.RunID, string(r.Status), string(run.StatusInProgress)).
			WithRunID(r.RunID)
	}
	failedName := failed.Name

	out, err := r.Clone()
	if err != nil {
		return nil, errors.NewRunError("copy run", err).WithRunID(r.RunID)
	}

	now := m.clock.Now()
	cp := LatestUsable(r, failedName)
	if cp != nil && cp.StateSnapshot != nil {
		snap, err := cp.StateSnapshot.Clone()
		if err != nil {
			return nil, errors.NewRunError(fmt.Sprintf("restore checkpoint %s", cp.ID), err).WithRunID(r.RunID)
		}
		out.Phases = snap.Phases
		out.Manifest = snap.Manifest
	}

	for i := range out.Phases {
		p := &out.Phases[i]
		if p.Name == failedName || p.Status == run.PhaseInProgress || p.Status == run.PhaseFailed {
			p.Status = run.PhaseNotStarted
			p.StartedAt = nil
			p.CompletedAt = nil
			p.FailureReason = ""
			p.ProducedArtifacts = []run.ArtifactRef{}
		}
	}

	out.CurrentPhase = failedName
	if out.Phase(failedName) == nil && len(out.Phases) > 0 {
		out.CurrentPhase = out.Phases[0].Name
	}
	out.Status = run.StatusInProgress

	meta := &out.ContextMetadata
	meta.Recovered = true
	meta.RecoveredAt = &now
	meta.RecoveredFromCheckpoint = ""
	if cp != nil {
		meta.RecoveredFromCheckpoint = cp.ID
	}
	meta.RecoveryCount++
	out.Touch(now)
	return out, nil
}
