package phase

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/continuum/internal/checkpoint"
	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/testutil"
)

func newTracker(t *testing.T, opts ...Option) (*Tracker, *testutil.Clock) {
	t.Helper()

	clock := testutil.NewClock(testutil.Epoch)
	cps := checkpoint.NewManager(clock, checkpoint.WithIDFunc(testutil.Sequence("cp")))
	return NewTracker(clock, append([]Option{WithCheckpointManager(cps)}, opts...)...), clock
}

func createRun(t *testing.T, tr *Tracker, phases ...string) *run.Run {
	t.Helper()

	r, err := tr.Create(testutil.Definition(t, "wf", phases...), "TICKET-7", "/work")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func statuses(r *run.Run) []run.PhaseStatus {
	out := make([]run.PhaseStatus, 0, len(r.Phases))
	for _, p := range r.Phases {
		out = append(out, p.Status)
	}
	return out
}

func TestCreate(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "frame", "build", "ship")

	if r.Status != run.StatusPending {
		t.Errorf("status = %s, want pending", r.Status)
	}
	if r.CurrentPhase != "frame" {
		t.Errorf("current_phase = %q, want frame", r.CurrentPhase)
	}
	if r.WorkflowID != "wf" || r.WorkRef != "TICKET-7" || r.Workspace != "/work" {
		t.Errorf("identity = %q %q %q", r.WorkflowID, r.WorkRef, r.Workspace)
	}
	if !run.ValidID(r.RunID) {
		t.Errorf("run id %q is not valid", r.RunID)
	}
	want := []run.PhaseStatus{run.PhaseNotStarted, run.PhaseNotStarted, run.PhaseNotStarted}
	if got := statuses(r); !reflect.DeepEqual(got, want) {
		t.Errorf("phase statuses = %v", got)
	}
	if got := r.PlannedPhaseNames(); !reflect.DeepEqual(got, []string{"frame", "build", "ship"}) {
		t.Errorf("manifest = %v", got)
	}
	if len(r.Checkpoints) != 1 || r.Checkpoints[0].Reason != run.CheckpointCreated {
		t.Fatalf("checkpoints = %+v, want one initial checkpoint", r.Checkpoints)
	}
	if !r.CreatedAt.Equal(testutil.Epoch) || !r.UpdatedAt.Equal(testutil.Epoch) {
		t.Errorf("timestamps = %v / %v", r.CreatedAt, r.UpdatedAt)
	}
}

func TestCreate_RequiresPhases(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.Create(nil, "x", "/w"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("nil definition err = %v", err)
	}
}

func TestStartAndCompleteFlow(t *testing.T) {
	tr, clock := newTracker(t)
	r := createRun(t, tr, "frame", "build")

	clock.Advance(time.Minute)
	if err := tr.StartPhase(r, "frame"); err != nil {
		t.Fatalf("StartPhase(frame): %v", err)
	}
	if r.Status != run.StatusInProgress {
		t.Errorf("status after first start = %s", r.Status)
	}

	clock.Advance(time.Minute)
	cp, err := tr.CompletePhase(r, "frame", []run.ArtifactRef{{ID: "brief", Path: "docs/brief.md"}})
	if err != nil {
		t.Fatalf("CompletePhase(frame): %v", err)
	}
	if cp.PhaseName != "frame" || cp.Reason != run.CheckpointPhaseCompleted || cp.ID != "cp-2" {
		t.Errorf("checkpoint = %+v", cp)
	}

	clock.Advance(time.Minute)
	if err := tr.StartPhase(r, "build"); err != nil {
		t.Fatalf("StartPhase(build): %v", err)
	}

	if len(r.Checkpoints) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(r.Checkpoints))
	}
	if r.CurrentPhase != "build" || r.Status != run.StatusInProgress {
		t.Errorf("current_phase=%q status=%s", r.CurrentPhase, r.Status)
	}
	frame := r.Phase("frame")
	if frame.StartedAt == nil || frame.CompletedAt == nil || !frame.CompletedAt.After(*frame.StartedAt) {
		t.Errorf("frame timestamps = %v / %v", frame.StartedAt, frame.CompletedAt)
	}
	if len(frame.ProducedArtifacts) != 1 || frame.ProducedArtifacts[0].ID != "brief" {
		t.Errorf("produced artifacts = %+v", frame.ProducedArtifacts)
	}
	if got := r.Manifest.Phases[0].ExpectedArtifacts; len(got) != 1 || got[0].Path != "docs/brief.md" {
		t.Errorf("manifest artifacts = %+v", got)
	}
	// The snapshot of the completion checkpoint predates starting build.
	if snap := r.Checkpoints[1].StateSnapshot; snap.Phase("build").Status != run.PhaseNotStarted {
		t.Error("checkpoint snapshot was mutated by a later transition")
	}

	if _, err := tr.CompletePhase(r, "build", nil); err != nil {
		t.Fatalf("CompletePhase(build): %v", err)
	}
	if r.Status != run.StatusCompleted || !r.Manifest.Completed {
		t.Errorf("run after final phase: status=%s manifest.completed=%v", r.Status, r.Manifest.Completed)
	}
	if last := r.Checkpoints[len(r.Checkpoints)-1]; last.StateSnapshot.Status != run.StatusCompleted {
		t.Errorf("final checkpoint snapshot status = %s", last.StateSnapshot.Status)
	}
}

func TestStartPhase_SingleActivePhase(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "a", "b")

	if err := tr.StartPhase(r, "a"); err != nil {
		t.Fatal(err)
	}
	err := tr.StartPhase(r, "b")
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("second start err = %v, want InvalidTransition", err)
	}
	if r.Phase("b").Status != run.PhaseNotStarted || r.CurrentPhase != "a" {
		t.Error("rejected start changed the run")
	}

	active := 0
	for _, p := range r.Phases {
		if p.Status == run.PhaseInProgress {
			active++
		}
	}
	if active != 1 {
		t.Errorf("in-progress phases = %d, want 1", active)
	}
}

func TestStartPhase_RunStatusGuard(t *testing.T) {
	tests := []struct {
		status  run.Status
		wantErr bool
	}{
		{run.StatusPending, false},
		{run.StatusInProgress, false},
		{run.StatusPaused, false},
		{run.StatusCompleted, true},
		{run.StatusFailed, true},
		{"bogus", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			tr, _ := newTracker(t)
			r := createRun(t, tr, "a", "b")
			r.Status = tt.status

			err := tr.StartPhase(r, "a")
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("StartPhase: %v", err)
				}
				if r.Status != run.StatusInProgress {
					t.Errorf("run status = %s, want in_progress", r.Status)
				}
				return
			}
			if !errors.Is(err, errors.ErrInvalidTransition) {
				t.Fatalf("err = %v, want InvalidTransition", err)
			}
			if r.Phase("a").Status != run.PhaseNotStarted || r.Status != tt.status {
				t.Error("rejected start changed the run")
			}
		})
	}
}

func TestTransitionErrors(t *testing.T) {
	tests := []struct {
		name string
		op   func(tr *Tracker, r *run.Run) error
		want error
	}{
		{
			name: "unknown phase",
			op:   func(tr *Tracker, r *run.Run) error { return tr.StartPhase(r, "deploy") },
			want: errors.ErrNotFound,
		},
		{
			name: "complete not started",
			op: func(tr *Tracker, r *run.Run) error {
				_ = tr.StartPhase(r, "b")
				_, err := tr.CompletePhase(r, "a", nil)
				return err
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "complete on pending run",
			op: func(tr *Tracker, r *run.Run) error {
				_, err := tr.CompletePhase(r, "a", nil)
				return err
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "restart completed phase",
			op: func(tr *Tracker, r *run.Run) error {
				_ = tr.StartPhase(r, "a")
				_, _ = tr.CompletePhase(r, "a", nil)
				return tr.StartPhase(r, "a")
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "fail not started",
			op: func(tr *Tracker, r *run.Run) error {
				_, err := tr.FailPhase(r, "a", "boom")
				return err
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "skip in progress",
			op: func(tr *Tracker, r *run.Run) error {
				_ = tr.StartPhase(r, "a")
				return tr.SkipPhase(r, "a")
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "pause pending run",
			op:   func(tr *Tracker, r *run.Run) error { return tr.Pause(r) },
			want: errors.ErrInvalidTransition,
		},
		{
			name: "resume running run",
			op: func(tr *Tracker, r *run.Run) error {
				_ = tr.StartPhase(r, "a")
				return tr.Resume(r)
			},
			want: errors.ErrInvalidTransition,
		},
		{
			name: "start on failed run",
			op: func(tr *Tracker, r *run.Run) error {
				_ = tr.StartPhase(r, "a")
				_, _ = tr.FailPhase(r, "a", "boom")
				return tr.StartPhase(r, "b")
			},
			want: errors.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker(t)
			r := createRun(t, tr, "a", "b")
			if err := tt.op(tr, r); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFailAndRecover(t *testing.T) {
	tr, clock := newTracker(t)
	r := createRun(t, tr, "frame", "build", "ship")

	_ = tr.StartPhase(r, "frame")
	if _, err := tr.CompletePhase(r, "frame", nil); err != nil {
		t.Fatal(err)
	}
	_ = tr.StartPhase(r, "build")

	clock.Advance(time.Hour)
	cp, err := tr.FailPhase(r, "build", "compiler exploded")
	if err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	if cp.Reason != run.CheckpointPhaseFailed || cp.PhaseName != "build" {
		t.Errorf("failure checkpoint = %+v", cp)
	}
	if r.Status != run.StatusFailed || r.CurrentPhase != "build" {
		t.Errorf("after failure: status=%s current=%q", r.Status, r.CurrentPhase)
	}
	if r.Phase("build").FailureReason != "compiler exploded" {
		t.Errorf("failure reason = %q", r.Phase("build").FailureReason)
	}
	if _, err := tr.FailPhase(r, "build", "again"); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("failing a failed run err = %v", err)
	}

	recovered, err := tr.Recover(r)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if r.Status != run.StatusFailed {
		t.Error("Recover must not modify its input")
	}
	if recovered.Status != run.StatusInProgress || recovered.CurrentPhase != "build" {
		t.Errorf("recovered: status=%s current=%q", recovered.Status, recovered.CurrentPhase)
	}
	want := []run.PhaseStatus{run.PhaseCompleted, run.PhaseNotStarted, run.PhaseNotStarted}
	if got := statuses(recovered); !reflect.DeepEqual(got, want) {
		t.Errorf("recovered statuses = %v, want %v", got, want)
	}
	meta := recovered.ContextMetadata
	if !meta.Recovered || meta.RecoveryCount != 1 || meta.RecoveredFromCheckpoint != "cp-3" {
		t.Errorf("recovery metadata = %+v", meta)
	}

	if err := tr.StartPhase(recovered, "build"); err != nil {
		t.Fatalf("restart build after recovery: %v", err)
	}
}

func TestSkipCompletesRun(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "a", "b")

	_ = tr.StartPhase(r, "a")
	if _, err := tr.CompletePhase(r, "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.SkipPhase(r, "b"); err != nil {
		t.Fatalf("SkipPhase: %v", err)
	}
	if r.Status != run.StatusCompleted || !r.Manifest.Completed || r.Manifest.CompletedAt == nil {
		t.Errorf("run after skipping last phase: %s completed=%v", r.Status, r.Manifest.Completed)
	}
}

func TestSkipAllFromPending(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "only")

	if err := tr.SkipPhase(r, "only"); err != nil {
		t.Fatalf("SkipPhase: %v", err)
	}
	if r.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", r.Status)
	}
}

func TestPauseResume(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "a", "b")

	_ = tr.StartPhase(r, "a")
	if err := tr.Pause(r); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := tr.CompletePhase(r, "a", nil); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("completing while paused err = %v", err)
	}
	if err := tr.Resume(r); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.Status != run.StatusInProgress {
		t.Errorf("status = %s", r.Status)
	}
}

func TestPausedRunCompletesOnResume(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "a", "b")

	_ = tr.StartPhase(r, "a")
	_, _ = tr.CompletePhase(r, "a", nil)
	_ = tr.Pause(r)
	if err := tr.SkipPhase(r, "b"); err != nil {
		t.Fatalf("SkipPhase while paused: %v", err)
	}
	if r.Status != run.StatusPaused {
		t.Fatalf("status = %s, want paused", r.Status)
	}
	if err := tr.Resume(r); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", r.Status)
	}
}

func TestSaveNow(t *testing.T) {
	tr, _ := newTracker(t)
	r := createRun(t, tr, "a")

	cp, err := tr.SaveNow(r)
	if err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if cp.Reason != run.CheckpointSaveNow || cp.PhaseName != "a" || len(r.Checkpoints) != 2 {
		t.Errorf("checkpoint = %+v, total %d", cp, len(r.Checkpoints))
	}
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var types []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.EventType())
	})

	tr, _ := newTracker(t, WithBus(bus))
	r := createRun(t, tr, "only")
	_ = tr.StartPhase(r, "only")
	if _, err := tr.CompletePhase(r, "only", nil); err != nil {
		t.Fatal(err)
	}

	want := []string{
		event.TypeRunCreated,
		event.TypeCheckpointCreated,
		event.TypePhaseTransitioned,
		event.TypeRunStatusChanged,
		event.TypePhaseTransitioned,
		event.TypeRunStatusChanged,
		event.TypeCheckpointCreated,
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(types, want) {
		t.Errorf("events = %v\nwant %v", types, want)
	}
}

func TestFailureEventCarriesReason(t *testing.T) {
	bus := event.NewBus()
	var got event.PhaseTransitionedEvent
	bus.Subscribe(event.TypePhaseTransitioned, func(e event.Event) {
		if pe, ok := e.(event.PhaseTransitionedEvent); ok && pe.To == string(run.PhaseFailed) {
			got = pe
		}
	})

	tr, _ := newTracker(t, WithBus(bus))
	r := createRun(t, tr, "only")
	_ = tr.StartPhase(r, "only")
	if _, err := tr.FailPhase(r, "only", "disk full"); err != nil {
		t.Fatal(err)
	}
	if got.Reason != "disk full" || got.Phase != "only" {
		t.Errorf("failure event = %+v", got)
	}
}
