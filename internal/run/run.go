// Package run defines the workflow run aggregate: the persisted document that
// records a run's status, its ordered phases, checkpoints, manifest and
// session history. Operations that mutate a run live in sibling packages
// (phase, checkpoint, manifest, session); this package only owns the data
// model, the closed status enums and their transition tables.
package run

import (
	"encoding/json"
	"time"
)

// FormatVersion is the persistence format of run documents.
const FormatVersion = 1

// Run is one tracked execution of a workflow against one unit of work.
//
// Slices and maps are serialized without omitempty so a save/load round trip
// reproduces nil and empty values exactly.
type Run struct {
	RunID           string         `json:"run_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkRef         string         `json:"work_ref"`
	Workspace       string         `json:"workspace,omitempty"`
	Status          Status         `json:"status"`
	CurrentPhase    string         `json:"current_phase"`
	Phases          []Phase        `json:"phases"`
	Checkpoints     []Checkpoint   `json:"checkpoints"`
	Manifest        Manifest       `json:"manifest"`
	Sessions        SessionHistory `json:"sessions"`
	ContextMetadata Metadata       `json:"context_metadata"`
	FormatVersion   int            `json:"format_version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
}

// ArtifactRef identifies an artifact produced or expected by a phase.
type ArtifactRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`
}

// Phase is one ordered stage of a run.
type Phase struct {
	Name              string        `json:"name"`
	Status            PhaseStatus   `json:"status"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	ProducedArtifacts []ArtifactRef `json:"produced_artifacts"`
	FailureReason     string        `json:"failure_reason,omitempty"`
}

// Checkpoint is an immutable snapshot of the run taken at a phase boundary.
// The snapshot never carries checkpoints of its own.
type Checkpoint struct {
	ID            string           `json:"checkpoint_id"`
	PhaseName     string           `json:"phase_name"`
	Reason        CheckpointReason `json:"reason"`
	CreatedAt     time.Time        `json:"created_at"`
	StateSnapshot *Run             `json:"state_snapshot"`
}

// PlannedPhase is a manifest entry: a phase and the artifacts it should produce.
type PlannedPhase struct {
	Name              string        `json:"name"`
	ExpectedArtifacts []ArtifactRef `json:"expected_artifacts"`
}

// Manifest is the declarative plan for a run.
type Manifest struct {
	Phases      []PlannedPhase `json:"phases"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Environment describes the execution context that opened a session.
// ContextID is the caller's opaque identity token used for boundary detection.
type Environment struct {
	Hostname   string `json:"hostname,omitempty"`
	Platform   string `json:"platform,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Revision   string `json:"revision,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
}

// Session is one contiguous period during which an execution context held
// this run active.
type Session struct {
	ID                           string         `json:"session_id"`
	Trigger                      SessionTrigger `json:"trigger,omitempty"`
	StartedAt                    time.Time      `json:"started_at"`
	EndedAt                      *time.Time     `json:"ended_at,omitempty"`
	EndReason                    EndReason      `json:"end_reason,omitempty"`
	Environment                  Environment    `json:"environment"`
	PhasesCompletedDuringSession []string       `json:"phases_completed_during_session"`
	ArtifactsLoaded              []string       `json:"artifacts_loaded"`
}

// IsOpen reports whether the session has not been closed.
func (s *Session) IsOpen() bool {
	return s != nil && s.EndedAt == nil
}

// SessionHistory holds the open session, if any, and every closed one in
// the order they closed.
type SessionHistory struct {
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	Current          *Session  `json:"current,omitempty"`
	History          []Session `json:"history"`
}

// Metadata is the run's context metadata. Values holds free-form data set by
// the executor and is visible to reload conditions.
type Metadata struct {
	LastArtifactReload      *time.Time           `json:"last_artifact_reload,omitempty"`
	LoadedArtifacts         map[string]time.Time `json:"loaded_artifacts"`
	Recovered               bool                 `json:"recovered,omitempty"`
	RecoveredAt             *time.Time           `json:"recovered_at,omitempty"`
	RecoveredFromCheckpoint string               `json:"recovered_from_checkpoint,omitempty"`
	RecoveryCount           int                  `json:"recovery_count,omitempty"`
	Values                  map[string]any       `json:"values"`
}

// Phase returns the phase record with the given name, or nil.
func (r *Run) Phase(name string) *Phase {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// ActivePhase returns the phase currently in progress, or nil.
func (r *Run) ActivePhase() *Phase {
	for i := range r.Phases {
		if r.Phases[i].Status == PhaseInProgress {
			return &r.Phases[i]
		}
	}
	return nil
}

// PhaseOrder returns the position of a phase in workflow order. The manifest
// defines the order; phase records are the fallback for runs whose manifest
// was never populated. Returns -1 for unknown phases.
func (r *Run) PhaseOrder(name string) int {
	for i, p := range r.Manifest.Phases {
		if p.Name == name {
			return i
		}
	}
	if len(r.Manifest.Phases) == 0 {
		for i, p := range r.Phases {
			if p.Name == name {
				return i
			}
		}
	}
	return -1
}

// PlannedPhaseNames returns the manifest's phase names in order.
func (r *Run) PlannedPhaseNames() []string {
	names := make([]string, 0, len(r.Manifest.Phases))
	for _, p := range r.Manifest.Phases {
		names = append(names, p.Name)
	}
	return names
}

// Touch stamps the document's update time.
func (r *Run) Touch(now time.Time) {
	r.UpdatedAt = now
}

// Clone returns a deep copy of the run. Values in Metadata.Values pass
// through JSON, so numbers come back as float64.
func (r *Run) Clone() (*Run, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NormalizeValues replaces Metadata.Values with its JSON form, so the
// in-memory run matches what a load of the saved document returns: numbers
// become float64 and slices become []any.
func (r *Run) NormalizeValues() error {
	if len(r.ContextMetadata.Values) == 0 {
		return nil
	}
	data, err := json.Marshal(r.ContextMetadata.Values)
	if err != nil {
		return err
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	r.ContextMetadata.Values = values
	return nil
}

// Document returns the run as a generic JSON tree, the form reload
// conditions and state paths are evaluated against.
func (r *Run) Document() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
