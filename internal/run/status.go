package run

import "fmt"

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// runTransitions lists the forward moves a run may make. Recovery's
// failed -> in_progress is listed here but only the checkpoint package
// performs it.
var runTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusInProgress, StatusFailed},
	StatusFailed:     {StatusInProgress},
	StatusCompleted:  {},
}

// Valid reports whether s is a known run status.
func (s Status) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// IsTerminal returns true for completed runs. A failed run can still be
// recovered, so it is not terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// CanTransitionTo reports whether the run may move from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// PhaseStatus is the lifecycle state of a single phase record.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhaseNotStarted: {PhaseInProgress, PhaseSkipped},
	PhaseInProgress: {PhaseCompleted, PhaseFailed},
	PhaseFailed:     {PhaseNotStarted},
	PhaseCompleted:  {},
	PhaseSkipped:    {},
}

// Valid reports whether s is a known phase status.
func (s PhaseStatus) Valid() bool {
	_, ok := phaseTransitions[s]
	return ok
}

// IsTerminal returns true when the phase needs no further work: completed or
// skipped. Failed phases are recoverable and therefore not terminal.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

// CanTransitionTo reports whether a phase may move from s to next.
func (s PhaseStatus) CanTransitionTo(next PhaseStatus) bool {
	for _, allowed := range phaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PhaseStatus) String() string { return string(s) }

// EndReason records why a session closed.
type EndReason string

const (
	EndCompaction EndReason = "compaction"
	EndNormal     EndReason = "normal"
	EndAbandoned  EndReason = "abandoned"
)

// Valid reports whether r is a known end reason.
func (r EndReason) Valid() bool {
	switch r {
	case EndCompaction, EndNormal, EndAbandoned:
		return true
	}
	return false
}

// SessionTrigger describes what caused a session start signal.
type SessionTrigger string

const (
	TriggerStartup SessionTrigger = "startup"
	TriggerResume  SessionTrigger = "resume"
	TriggerCompact SessionTrigger = "compact"
	TriggerClear   SessionTrigger = "clear"
	TriggerManual  SessionTrigger = "manual"
)

// Valid reports whether t is a known session trigger.
func (t SessionTrigger) Valid() bool {
	switch t {
	case TriggerStartup, TriggerResume, TriggerCompact, TriggerClear, TriggerManual:
		return true
	}
	return false
}

// CheckpointReason records which boundary produced a checkpoint.
type CheckpointReason string

const (
	CheckpointCreated        CheckpointReason = "created"
	CheckpointPhaseCompleted CheckpointReason = "phase_completed"
	CheckpointPhaseFailed    CheckpointReason = "phase_failed"
	CheckpointSaveNow        CheckpointReason = "save_now"
)

// Valid reports whether r is a known checkpoint reason.
func (r CheckpointReason) Valid() bool {
	switch r {
	case CheckpointCreated, CheckpointPhaseCompleted, CheckpointPhaseFailed, CheckpointSaveNow:
		return true
	}
	return false
}

// ValidateEnums checks every closed enum in the document, including those in
// checkpoint snapshots. Session trigger and end reason may be empty.
func (r *Run) ValidateEnums() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown run status %q", r.Status)
	}
	for _, p := range r.Phases {
		if !p.Status.Valid() {
			return fmt.Errorf("phase '%s': unknown status %q", p.Name, p.Status)
		}
	}
	sessions := r.Sessions.History
	if r.Sessions.Current != nil {
		sessions = append(sessions[:len(sessions):len(sessions)], *r.Sessions.Current)
	}
	for _, s := range sessions {
		if s.Trigger != "" && !s.Trigger.Valid() {
			return fmt.Errorf("session '%s': unknown trigger %q", s.ID, s.Trigger)
		}
		if s.EndReason != "" && !s.EndReason.Valid() {
			return fmt.Errorf("session '%s': unknown end reason %q", s.ID, s.EndReason)
		}
	}
	for _, cp := range r.Checkpoints {
		if !cp.Reason.Valid() {
			return fmt.Errorf("checkpoint '%s': unknown reason %q", cp.ID, cp.Reason)
		}
		if cp.StateSnapshot != nil {
			if err := cp.StateSnapshot.ValidateEnums(); err != nil {
				return fmt.Errorf("checkpoint '%s' snapshot: %w", cp.ID, err)
			}
		}
	}
	return nil
}
