package checkpoint

import (
	"reflect"
	"testing"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/testutil"
)

func newRun(phases ...string) *run.Run {
	r := &run.Run{
		RunID:       "run-1",
		Status:      run.StatusInProgress,
		Checkpoints: []run.Checkpoint{},
		Sessions:    run.SessionHistory{History: []run.Session{}},
		ContextMetadata: run.Metadata{
			LoadedArtifacts: map[string]time.Time{},
			Values:          map[string]any{},
		},
	}
	for _, name := range phases {
		r.Phases = append(r.Phases, run.Phase{Name: name, Status: run.PhaseNotStarted, ProducedArtifacts: []run.ArtifactRef{}})
		r.Manifest.Phases = append(r.Manifest.Phases, run.PlannedPhase{Name: name, ExpectedArtifacts: []run.ArtifactRef{}})
	}
	r.CurrentPhase = phases[0]
	return r
}

func newManager() (*Manager, *testutil.Clock) {
	clock := testutil.NewClock(testutil.Epoch)
	return NewManager(clock, WithIDFunc(testutil.Sequence("cp"))), clock
}

func TestCreate_SnapshotIsIsolated(t *testing.T) {
	m, _ := newManager()
	r := newRun("a", "b")

	cp, err := m.Create(r, run.CheckpointCreated)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cp.ID != "cp-1" || cp.PhaseName != "a" || !cp.CreatedAt.Equal(testutil.Epoch) {
		t.Errorf("checkpoint = %+v", cp)
	}
	if len(r.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(r.Checkpoints))
	}
	if cp.StateSnapshot.Checkpoints != nil {
		t.Error("snapshot must not carry checkpoints")
	}

	r.Phases[0].Status = run.PhaseInProgress
	r.ContextMetadata.Values["k"] = "v"
	snap := r.Checkpoints[0].StateSnapshot
	if snap.Phases[0].Status != run.PhaseNotStarted {
		t.Error("mutating the run changed the snapshot")
	}
	if _, ok := snap.ContextMetadata.Values["k"]; ok {
		t.Error("snapshot shares the metadata map with the run")
	}
}

func TestLatestUsable(t *testing.T) {
	r := newRun("a", "b", "c")
	r.Checkpoints = []run.Checkpoint{
		{ID: "1", PhaseName: "a"},
		{ID: "2", PhaseName: "b"},
		{ID: "3", PhaseName: "c"},
		{ID: "4", PhaseName: "a"},
		{ID: "5", PhaseName: "ghost"},
	}

	tests := []struct {
		failed string
		want   string
	}{
		{"a", "4"},
		{"b", "4"},
		{"c", "4"},
		{"ghost", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.failed, func(t *testing.T) {
			got := LatestUsable(r, tt.failed)
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("LatestUsable(%q) = %s, want none", tt.failed, got.ID)
			case tt.want != "" && (got == nil || got.ID != tt.want):
				t.Errorf("LatestUsable(%q) = %v, want %s", tt.failed, got, tt.want)
			}
		})
	}

	r.Checkpoints = r.Checkpoints[:3]
	if got := LatestUsable(r, "b"); got == nil || got.ID != "2" {
		t.Errorf("LatestUsable(b) = %v, want 2", got)
	}
	if got := LatestUsable(r, "a"); got == nil || got.ID != "1" {
		t.Errorf("LatestUsable(a) = %v, want 1", got)
	}
}

func TestRecover_FromCheckpoint(t *testing.T) {
	m, clock := newManager()
	r := newRun("frame", "build", "ship")

	started := testutil.Epoch
	r.Phases[0].Status = run.PhaseCompleted
	r.Phases[0].StartedAt = &started
	r.Phases[0].CompletedAt = &started
	r.CurrentPhase = "build"
	if _, err := m.Create(r, run.CheckpointPhaseCompleted); err != nil {
		t.Fatal(err)
	}

	r.Phases[1].Status = run.PhaseFailed
	r.Phases[1].StartedAt = &started
	r.Phases[1].FailureReason = "boom"
	r.Phases[1].ProducedArtifacts = []run.ArtifactRef{{ID: "half"}}
	r.Status = run.StatusFailed
	r.Sessions.History = append(r.Sessions.History, run.Session{ID: "s1"})
	r.ContextMetadata.Values["note"] = "kept"

	clock.Advance(time.Hour)
	out, err := m.Recover(r)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if out.Status != run.StatusInProgress || out.CurrentPhase != "build" {
		t.Errorf("status=%s current=%q", out.Status, out.CurrentPhase)
	}
	build := out.Phase("build")
	if build.Status != run.PhaseNotStarted || build.StartedAt != nil || build.FailureReason != "" || len(build.ProducedArtifacts) != 0 {
		t.Errorf("build not reset: %+v", build)
	}
	if out.Phase("frame").Status != run.PhaseCompleted {
		t.Error("completed phase before the failure must survive")
	}
	if len(out.Checkpoints) != 1 || len(out.Sessions.History) != 1 || out.ContextMetadata.Values["note"] != "kept" {
		t.Error("recovery dropped checkpoints, sessions or metadata")
	}
	meta := out.ContextMetadata
	if !meta.Recovered || meta.RecoveredFromCheckpoint != "cp-1" || meta.RecoveryCount != 1 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.RecoveredAt == nil || !meta.RecoveredAt.Equal(clock.Now()) {
		t.Errorf("recovered_at = %v", meta.RecoveredAt)
	}

	if r.Status != run.StatusFailed || r.Phase("build").Status != run.PhaseFailed {
		t.Error("Recover modified its input")
	}
}

func TestRecover_CountsRepeatedRecoveries(t *testing.T) {
	m, _ := newManager()
	r := newRun("only")
	r.Phases[0].Status = run.PhaseFailed
	r.Status = run.StatusFailed
	r.ContextMetadata.RecoveryCount = 2

	out, err := m.Recover(r)
	if err != nil {
		t.Fatal(err)
	}
	if out.ContextMetadata.RecoveryCount != 3 {
		t.Errorf("recovery_count = %d, want 3", out.ContextMetadata.RecoveryCount)
	}
}

func TestRecover_WithoutCheckpoint(t *testing.T) {
	m, _ := newManager()
	r := newRun("a", "b")
	r.Phases[0].Status = run.PhaseCompleted
	r.Phases[1].Status = run.PhaseFailed
	r.CurrentPhase = "b"
	r.Status = run.StatusFailed

	out, err := m.Recover(r)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	want := []run.PhaseStatus{run.PhaseCompleted, run.PhaseNotStarted}
	var got []run.PhaseStatus
	for _, p := range out.Phases {
		got = append(got, p.Status)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if out.ContextMetadata.RecoveredFromCheckpoint != "" {
		t.Errorf("recovered_from_checkpoint = %q, want empty", out.ContextMetadata.RecoveredFromCheckpoint)
	}
}

func TestRecover_NothingToRecover(t *testing.T) {
	m, _ := newManager()
	r := newRun("a")
	if _, err := m.Recover(r); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("err = %v, want InvalidTransition", err)
	}

	r.Phases[0].Status = run.PhaseFailed
	if _, err := m.Recover(r); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("failed phase on a running run err = %v, want InvalidTransition", err)
	}
}
