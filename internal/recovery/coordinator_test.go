package recovery

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/testutil"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

type fixture struct {
	c         *Coordinator
	clock     *testutil.Clock
	workspace string
	ctx       context.Context
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	clock := testutil.NewClock(testutil.Epoch)
	provider := workflowdef.StaticProvider{
		"priming": testutil.MustParse(t, testutil.PrimingDefinition),
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	return &fixture{
		c:         New(cfg, provider, opts...),
		clock:     clock,
		workspace: t.TempDir(),
		ctx:       context.Background(),
	}
}

func (f *fixture) startRun(t *testing.T, workRef string) *run.Run {
	t.Helper()

	res, r, err := f.c.StartRun(f.ctx, f.workspace, "priming", workRef, false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !res.OK || res.Action != ActionRunStarted {
		t.Fatalf("StartRun result = %+v", res)
	}
	return r
}

func (f *fixture) load(t *testing.T, runID string) *run.Run {
	t.Helper()

	r, err := f.c.Store(f.workspace).Load(f.ctx, runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func (f *fixture) advanceToBuild(t *testing.T) {
	t.Helper()

	if _, err := f.c.StartPhase(f.ctx, f.workspace, "frame"); err != nil {
		t.Fatalf("StartPhase(frame): %v", err)
	}
	_, err := f.c.Update(f.ctx, f.workspace, "", func(r *run.Run) (*run.Run, error) {
		_, err := f.c.Phases().CompletePhase(r, "frame", nil)
		return r, err
	})
	if err != nil {
		t.Fatalf("CompletePhase(frame): %v", err)
	}
	if _, err := f.c.StartPhase(f.ctx, f.workspace, "build"); err != nil {
		t.Fatalf("StartPhase(build): %v", err)
	}
}

func TestNoActiveRun(t *testing.T) {
	f := newFixture(t, Config{})

	calls := map[string]func() (Result, error){
		"pre-compact":   func() (Result, error) { return f.c.OnPreCompact(f.ctx, f.workspace) },
		"session-start": func() (Result, error) { return f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerStartup, run.Environment{}) },
		"session-end":   func() (Result, error) { return f.c.OnSessionEnd(f.ctx, f.workspace, "") },
		"prime":         func() (Result, error) { return f.c.OnManualPrime(f.ctx, f.workspace, "", false, nil) },
		"save":          func() (Result, error) { return f.c.OnSaveNow(f.ctx, f.workspace) },
		"transition":    func() (Result, error) { return f.c.OnPhaseTransition(f.ctx, f.workspace, "a", "b") },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			res, err := call()
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if !res.OK || res.Action != ActionSkippedNoActiveRun || res.Workspace != f.workspace {
				t.Errorf("result = %+v", res)
			}
		})
	}

	if _, err := os.Stat(f.c.Store(f.workspace).Root()); !os.IsNotExist(err) {
		t.Error("skipped triggers must not create the state directory")
	}
}

func TestCompactionCycle(t *testing.T) {
	f := newFixture(t, Config{})
	r := f.startRun(t, "T-1")
	f.advanceToBuild(t)

	got := f.load(t, r.RunID)
	if len(got.Checkpoints) != 2 || got.CurrentPhase != "build" || got.Status != run.StatusInProgress {
		t.Fatalf("after advancing: checkpoints=%d current=%q status=%s",
			len(got.Checkpoints), got.CurrentPhase, got.Status)
	}

	// No session is open yet, so compaction has nothing to close.
	res, err := f.c.OnPreCompact(f.ctx, f.workspace)
	if err != nil || res.Action != ActionSkippedNoOpenSession {
		t.Fatalf("pre-compact = %+v, %v", res, err)
	}

	f.clock.Advance(time.Minute)
	env := run.Environment{ContextID: "ctx-1"}
	res, err = f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerCompact, env)
	if err != nil {
		t.Fatalf("OnSessionStart: %v", err)
	}
	if !res.OK || res.Action != ActionSessionOpenedPrimed || res.Session == nil {
		t.Fatalf("session start = %+v", res)
	}
	ids := make([]string, 0, len(res.Instructions))
	for _, in := range res.Instructions {
		ids = append(ids, in.ArtifactID)
	}
	// build_notes was planned when build started a minute ago and is still
	// fresh; the unconditional artifacts have never been loaded.
	if !reflect.DeepEqual(ids, []string{"state", "plan"}) {
		t.Errorf("instructions = %v", ids)
	}
	wantState := f.c.Store(f.workspace).RunPath(r.RunID)
	if res.Instructions[0].Path != wantState {
		t.Errorf("state path = %q, want %q", res.Instructions[0].Path, wantState)
	}

	f.clock.Advance(time.Hour)
	res, err = f.c.OnPreCompact(f.ctx, f.workspace)
	if err != nil || res.Action != ActionSessionClosed || res.Session.EndReason != run.EndCompaction {
		t.Fatalf("pre-compact = %+v, %v", res, err)
	}

	f.clock.Advance(time.Second)
	res, err = f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerCompact, env)
	if err != nil || res.Action != ActionSessionOpenedPrimed {
		t.Fatalf("session start after compaction = %+v, %v", res, err)
	}
	if len(res.Instructions) != 3 {
		t.Errorf("reload after compaction planned %d artifacts", len(res.Instructions))
	}

	got = f.load(t, r.RunID)
	if len(got.Sessions.History) != 1 || got.Sessions.Current == nil {
		t.Fatalf("sessions = %+v", got.Sessions)
	}
	closed := got.Sessions.History[0]
	if !reflect.DeepEqual(closed.ArtifactsLoaded, []string{"state", "plan"}) {
		t.Errorf("artifacts loaded = %v", closed.ArtifactsLoaded)
	}
	if got.ContextMetadata.LastArtifactReload == nil || !got.ContextMetadata.LastArtifactReload.Equal(f.clock.Now()) {
		t.Errorf("last_artifact_reload = %v", got.ContextMetadata.LastArtifactReload)
	}
}

func TestSessionStart_ContinuationAndStaleness(t *testing.T) {
	f := newFixture(t, Config{})
	f.startRun(t, "T-2")
	env := run.Environment{ContextID: "ctx-1"}

	if _, err := f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerStartup, env); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	res, err := f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerResume, env)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSessionContinuePrimed || len(res.Instructions) != 0 {
		t.Errorf("continuation = %+v", res)
	}

	// A different context abandons the first session; staleness still
	// applies across sessions by default.
	res, err = f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerStartup, run.Environment{ContextID: "ctx-2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSessionOpenedPrimed || res.Message == "" || len(res.Instructions) != 0 {
		t.Errorf("new context = %+v", res)
	}
}

func TestSessionStart_ForceOnNewSession(t *testing.T) {
	f := newFixture(t, Config{ForceOnNewSession: true})
	f.startRun(t, "T-3")

	_, _ = f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerStartup, run.Environment{ContextID: "a"})
	_, _ = f.c.OnPreCompact(f.ctx, f.workspace)
	res, err := f.c.OnSessionStart(f.ctx, f.workspace, run.TriggerCompact, run.Environment{ContextID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Instructions) != 2 {
		t.Errorf("forced reload planned %d artifacts, want 2", len(res.Instructions))
	}
}

func TestManualPrimeStaleness(t *testing.T) {
	f := newFixture(t, Config{})
	r := f.startRun(t, "T-4")

	first, err := f.c.OnManualPrime(f.ctx, f.workspace, "", false, nil)
	if err != nil || first.Action != ActionPrimed || len(first.Instructions) != 2 {
		t.Fatalf("first prime = %+v, %v", first, err)
	}

	f.clock.Advance(3 * time.Minute)
	second, err := f.c.OnManualPrime(f.ctx, f.workspace, "", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Instructions) != 0 {
		t.Errorf("second prime planned %d artifacts, want 0", len(second.Instructions))
	}

	forced, err := f.c.OnManualPrime(f.ctx, f.workspace, r.RunID, true, []string{"plan"})
	if err != nil {
		t.Fatal(err)
	}
	if len(forced.Instructions) != 1 || forced.Instructions[0].ArtifactID != "plan" {
		t.Errorf("forced subset prime = %+v", forced.Instructions)
	}
}

func TestManualPrime_UnknownRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.startRun(t, "T-5")
	if _, err := f.c.OnManualPrime(f.ctx, f.workspace, "nope", false, nil); !errors.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestRunStartConflict(t *testing.T) {
	bus := event.NewBus()
	var conflicts int
	bus.Subscribe(event.TypeConflictDetected, func(event.Event) { conflicts++ })

	f := newFixture(t, Config{}, WithBus(bus))
	a := f.startRun(t, "A")

	res, b, err := f.c.StartRun(f.ctx, f.workspace, "priming", "B", false)
	if !errors.Is(err, errors.ErrConflictDetected) {
		t.Fatalf("err = %v, want ConflictDetected", err)
	}
	if res.OK || res.Action != ActionConflict || res.PreviousRunID != a.RunID {
		t.Errorf("result = %+v", res)
	}
	store := f.c.Store(f.workspace)
	if id, _ := store.ReadActivePointer(f.ctx); id != a.RunID {
		t.Errorf("pointer = %q, want %q", id, a.RunID)
	}
	if store.Exists(b.RunID) {
		t.Error("conflicting run must not be written")
	}
	if conflicts != 1 {
		t.Errorf("conflict events = %d", conflicts)
	}

	res, err = f.c.OnRunStart(f.ctx, f.workspace, b, true)
	if err != nil || res.Action != ActionRunStarted || res.PreviousRunID != a.RunID {
		t.Fatalf("overwrite = %+v, %v", res, err)
	}
	if id, _ := store.ReadActivePointer(f.ctx); id != b.RunID {
		t.Errorf("pointer = %q, want %q", id, b.RunID)
	}
}

func TestStartRun_UnknownWorkflow(t *testing.T) {
	f := newFixture(t, Config{})
	if _, _, err := f.c.StartRun(f.ctx, f.workspace, "missing", "x", false); !errors.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestSaveNow(t *testing.T) {
	f := newFixture(t, Config{})
	r := f.startRun(t, "T-6")

	res, err := f.c.OnSaveNow(f.ctx, f.workspace)
	if err != nil || res.Action != ActionCheckpointSaved || res.CheckpointID == "" {
		t.Fatalf("save = %+v, %v", res, err)
	}
	got := f.load(t, r.RunID)
	last := got.Checkpoints[len(got.Checkpoints)-1]
	if last.ID != res.CheckpointID || last.Reason != run.CheckpointSaveNow {
		t.Errorf("last checkpoint = %+v", last)
	}
}

func TestStartPhase_PlansTransition(t *testing.T) {
	f := newFixture(t, Config{})
	f.startRun(t, "T-7")

	res, err := f.c.StartPhase(f.ctx, f.workspace, "frame")
	if err != nil || res.Action != ActionPhaseStarted || len(res.Instructions) != 0 {
		t.Fatalf("start frame = %+v, %v", res, err)
	}
	_, err = f.c.Update(f.ctx, f.workspace, "", func(r *run.Run) (*run.Run, error) {
		_, err := f.c.Phases().CompletePhase(r, "frame", nil)
		return r, err
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err = f.c.StartPhase(f.ctx, f.workspace, "build")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Instructions) != 1 || res.Instructions[0].ArtifactID != "build_notes" {
		t.Errorf("frame->build planned %+v", res.Instructions)
	}

	if _, err := f.c.StartPhase(f.ctx, f.workspace, "deploy"); !errors.IsNotFound(err) {
		t.Errorf("unknown phase err = %v", err)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t, Config{})
	r := f.startRun(t, "T-8")
	f.advanceToBuild(t)

	_, err := f.c.Update(f.ctx, f.workspace, "", func(r *run.Run) (*run.Run, error) {
		_, err := f.c.Phases().FailPhase(r, "build", "tests failed")
		return r, err
	})
	if err != nil {
		t.Fatal(err)
	}

	recovered, err := f.c.Recover(f.ctx, f.workspace, "")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.Status != run.StatusInProgress || recovered.CurrentPhase != "build" {
		t.Errorf("recovered status=%s current=%q", recovered.Status, recovered.CurrentPhase)
	}
	got := f.load(t, r.RunID)
	if !got.ContextMetadata.Recovered || got.Phase("build").Status != run.PhaseNotStarted {
		t.Errorf("persisted run not recovered: %+v", got.ContextMetadata)
	}

	if _, err := f.c.Recover(f.ctx, f.workspace, ""); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second recover err = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, Config{})
	r := f.startRun(t, "T-9")
	store := f.c.Store(f.workspace)

	if _, err := f.c.Cleanup(f.ctx, f.workspace, "", false); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("cleanup of a pending run err = %v", err)
	}

	res, err := f.c.Cleanup(f.ctx, f.workspace, "", true)
	if err != nil || res.Action != ActionRunArchived || res.RunID != r.RunID {
		t.Fatalf("forced cleanup = %+v, %v", res, err)
	}
	if _, err := store.ReadActivePointer(f.ctx); !errors.IsNotFound(err) {
		t.Errorf("pointer still set: %v", err)
	}
	if store.Exists(r.RunID) {
		t.Error("run still in runs/")
	}
	if _, err := store.LoadArchived(f.ctx, r.RunID); err != nil {
		t.Errorf("archived run: %v", err)
	}

	res, err = f.c.Cleanup(f.ctx, f.workspace, "", false)
	if err != nil || res.Action != ActionSkippedNoActiveRun {
		t.Errorf("cleanup without active run = %+v, %v", res, err)
	}
}

func TestDanglingPointer(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.c.Store(f.workspace).WriteActivePointer(f.ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	res, err := f.c.OnPreCompact(f.ctx, f.workspace)
	if err != nil || res.Action != ActionSkippedNoActiveRun || res.RunID != "ghost" {
		t.Errorf("result = %+v, %v", res, err)
	}
}
