// Package event defines the engine's lifecycle events and a synchronous bus
// to deliver them. The engine publishes; the CLI subscribes to log them.
package event

import "time"

// Event type names, "category.action".
const (
	TypeRunCreated        = "run.created"
	TypeRunStatusChanged  = "run.status_changed"
	TypeRunRecovered      = "run.recovered"
	TypeRunArchived       = "run.archived"
	TypePhaseTransitioned = "phase.transitioned"
	TypeCheckpointCreated = "checkpoint.created"
	TypeSessionOpened     = "session.opened"
	TypeSessionClosed     = "session.closed"
	TypeArtifactsPlanned  = "artifacts.planned"
	TypeConflictDetected  = "conflict.detected"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string, at time.Time) baseEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return baseEvent{eventType: eventType, timestamp: at}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunCreatedEvent is emitted when a run document is first built.
type RunCreatedEvent struct {
	baseEvent
	RunID      string
	WorkflowID string
	WorkRef    string
}

// NewRunCreatedEvent creates a RunCreatedEvent.
func NewRunCreatedEvent(at time.Time, runID, workflowID, workRef string) RunCreatedEvent {
	return RunCreatedEvent{
		baseEvent:  newBaseEvent(TypeRunCreated, at),
		RunID:      runID,
		WorkflowID: workflowID,
		WorkRef:    workRef,
	}
}

// RunStatusChangedEvent is emitted whenever a run's status moves.
type RunStatusChangedEvent struct {
	baseEvent
	RunID string
	From  string
	To    string
}

// NewRunStatusChangedEvent creates a RunStatusChangedEvent.
func NewRunStatusChangedEvent(at time.Time, runID, from, to string) RunStatusChangedEvent {
	return RunStatusChangedEvent{
		baseEvent: newBaseEvent(TypeRunStatusChanged, at),
		RunID:     runID,
		From:      from,
		To:        to,
	}
}

// RunRecoveredEvent is emitted after a failed run is rolled back.
type RunRecoveredEvent struct {
	baseEvent
	RunID        string
	Phase        string
	CheckpointID string // empty when no usable checkpoint existed
}

// NewRunRecoveredEvent creates a RunRecoveredEvent.
func NewRunRecoveredEvent(at time.Time, runID, phase, checkpointID string) RunRecoveredEvent {
	return RunRecoveredEvent{
		baseEvent:    newBaseEvent(TypeRunRecovered, at),
		RunID:        runID,
		Phase:        phase,
		CheckpointID: checkpointID,
	}
}

// RunArchivedEvent is emitted when a run document moves to the archive.
type RunArchivedEvent struct {
	baseEvent
	RunID     string
	Workspace string
}

// NewRunArchivedEvent creates a RunArchivedEvent.
func NewRunArchivedEvent(at time.Time, runID, workspace string) RunArchivedEvent {
	return RunArchivedEvent{
		baseEvent: newBaseEvent(TypeRunArchived, at),
		RunID:     runID,
		Workspace: workspace,
	}
}

// -----------------------------------------------------------------------------
// Phase and Checkpoint Events
// -----------------------------------------------------------------------------

// PhaseTransitionedEvent is emitted for every phase status change.
type PhaseTransitionedEvent struct {
	baseEvent
	RunID  string
	Phase  string
	From   string
	To     string
	Reason string // failure reason, when To is "failed"
}

// NewPhaseTransitionedEvent creates a PhaseTransitionedEvent.
func NewPhaseTransitionedEvent(at time.Time, runID, phase, from, to string) PhaseTransitionedEvent {
	return PhaseTransitionedEvent{
		baseEvent: newBaseEvent(TypePhaseTransitioned, at),
		RunID:     runID,
		Phase:     phase,
		From:      from,
		To:        to,
	}
}

// CheckpointCreatedEvent is emitted when a snapshot is appended.
type CheckpointCreatedEvent struct {
	baseEvent
	RunID        string
	CheckpointID string
	Phase        string
	Reason       string
}

// NewCheckpointCreatedEvent creates a CheckpointCreatedEvent.
func NewCheckpointCreatedEvent(at time.Time, runID, checkpointID, phase, reason string) CheckpointCreatedEvent {
	return CheckpointCreatedEvent{
		baseEvent:    newBaseEvent(TypeCheckpointCreated, at),
		RunID:        runID,
		CheckpointID: checkpointID,
		Phase:        phase,
		Reason:       reason,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionOpenedEvent is emitted when a new session record opens.
type SessionOpenedEvent struct {
	baseEvent
	RunID     string
	SessionID string
	Trigger   string
	ContextID string
}

// NewSessionOpenedEvent creates a SessionOpenedEvent.
func NewSessionOpenedEvent(at time.Time, runID, sessionID, trigger, contextID string) SessionOpenedEvent {
	return SessionOpenedEvent{
		baseEvent: newBaseEvent(TypeSessionOpened, at),
		RunID:     runID,
		SessionID: sessionID,
		Trigger:   trigger,
		ContextID: contextID,
	}
}

// SessionClosedEvent is emitted when a session moves into history.
type SessionClosedEvent struct {
	baseEvent
	RunID     string
	SessionID string
	Reason    string
}

// NewSessionClosedEvent creates a SessionClosedEvent.
func NewSessionClosedEvent(at time.Time, runID, sessionID, reason string) SessionClosedEvent {
	return SessionClosedEvent{
		baseEvent: newBaseEvent(TypeSessionClosed, at),
		RunID:     runID,
		SessionID: sessionID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Coordinator Events
// -----------------------------------------------------------------------------

// ArtifactsPlannedEvent is emitted after a reload plan is computed.
type ArtifactsPlannedEvent struct {
	baseEvent
	RunID        string
	Trigger      string
	Instructions int
	Skipped      int
	Warnings     int
}

// NewArtifactsPlannedEvent creates an ArtifactsPlannedEvent.
func NewArtifactsPlannedEvent(at time.Time, runID, trigger string, instructions, skipped, warnings int) ArtifactsPlannedEvent {
	return ArtifactsPlannedEvent{
		baseEvent:    newBaseEvent(TypeArtifactsPlanned, at),
		RunID:        runID,
		Trigger:      trigger,
		Instructions: instructions,
		Skipped:      skipped,
		Warnings:     warnings,
	}
}

// ConflictDetectedEvent is emitted when a run start finds the workspace
// pointer owned by another run.
type ConflictDetectedEvent struct {
	baseEvent
	Workspace      string
	ActiveRunID    string
	RequestedRunID string
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(at time.Time, workspace, activeRunID, requestedRunID string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:      newBaseEvent(TypeConflictDetected, at),
		Workspace:      workspace,
		ActiveRunID:    activeRunID,
		RequestedRunID: requestedRunID,
	}
}
