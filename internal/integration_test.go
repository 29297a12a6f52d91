// Package internal contains integration tests that drive the engine packages
// together: workflow loading, the coordinator, the event bus and the log
// sink.
package internal

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/recovery"
	"github.com/Iron-Ham/continuum/internal/reload"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/Iron-Ham/continuum/internal/testutil"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

type eventRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *eventRecorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[e.EventType()]++
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType]
}

func ids(instructions []reload.Instruction) []string {
	out := make([]string, 0, len(instructions))
	for _, in := range instructions {
		out = append(out, in.ArtifactID)
	}
	return out
}

func skipReason(skipped []reload.Skip, id string) reload.SkipReason {
	for _, s := range skipped {
		if s.ArtifactID == id {
			return s.Reason
		}
	}
	return ""
}

// TestDefaultWorkflowAcrossCompactions walks the built-in workflow from
// start to archive with one compaction in the middle and checks what each
// new context is told to reload.
func TestDefaultWorkflowAcrossCompactions(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	logDir := t.TempDir()
	clock := testutil.NewClock(testutil.Epoch)

	bus := event.NewBus()
	rec := &eventRecorder{counts: map[string]int{}}
	bus.SubscribeAll(rec.record)

	logger, err := logging.New(logging.Options{Dir: logDir, Level: logging.LevelDebug, Rotation: logging.DefaultRotationConfig()})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	coord := recovery.New(
		recovery.Config{StateDir: state.DefaultDirName, StalenessWindow: 5 * time.Minute},
		workflowdef.NewLoader(state.DefaultDirName),
		recovery.WithClock(clock),
		recovery.WithBus(bus),
		recovery.WithLogger(logger),
	)

	res, r, err := coord.StartRun(ctx, workspace, "default", "feature-x", false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	runID := r.RunID
	if res.Action != recovery.ActionRunStarted {
		t.Fatalf("StartRun action = %q", res.Action)
	}

	complete := func(name, valueKey, path string) {
		t.Helper()
		if _, err := coord.StartPhase(ctx, workspace, name); err != nil {
			t.Fatalf("StartPhase(%s): %v", name, err)
		}
		_, err := coord.Update(ctx, workspace, "", func(r *run.Run) (*run.Run, error) {
			var refs []run.ArtifactRef
			if valueKey != "" {
				if r.ContextMetadata.Values == nil {
					r.ContextMetadata.Values = map[string]any{}
				}
				r.ContextMetadata.Values[valueKey+"_path"] = path
				refs = append(refs, run.ArtifactRef{ID: valueKey, Type: "document", Path: path})
			}
			_, err := coord.Phases().CompletePhase(r, name, refs)
			return r, err
		})
		if err != nil {
			t.Fatalf("CompletePhase(%s): %v", name, err)
		}
	}

	// First context.
	res, err = coord.OnSessionStart(ctx, workspace, run.TriggerStartup, run.Environment{ContextID: "ctx-1"})
	if err != nil {
		t.Fatalf("OnSessionStart: %v", err)
	}
	if got := ids(res.Instructions); !reflect.DeepEqual(got, []string{"run_state", "plan"}) {
		t.Errorf("first context instructions = %v", got)
	}
	complete("frame", "brief", "docs/brief.md")
	complete("architect", "architecture", "docs/architecture.md")

	// Compaction.
	clock.Advance(10 * time.Minute)
	res, err = coord.OnPreCompact(ctx, workspace)
	if err != nil || res.Action != recovery.ActionSessionClosed {
		t.Fatalf("OnPreCompact = %+v, %v", res, err)
	}
	res, err = coord.OnSessionStart(ctx, workspace, run.TriggerCompact, run.Environment{ContextID: "ctx-2"})
	if err != nil {
		t.Fatalf("OnSessionStart after compaction: %v", err)
	}
	if res.Action != recovery.ActionSessionOpenedPrimed {
		t.Errorf("action = %q, want %q", res.Action, recovery.ActionSessionOpenedPrimed)
	}
	if got := ids(res.Instructions); !reflect.DeepEqual(got, []string{"run_state", "plan", "brief", "architecture"}) {
		t.Errorf("post-compaction instructions = %v", got)
	}
	if reason := skipReason(res.Skipped, "evaluation_report"); reason != reload.SkipConditionFalse {
		t.Errorf("evaluation_report skip reason = %q, want %q", reason, reload.SkipConditionFalse)
	}

	// Architecture was delivered moments ago, so entering build skips it.
	res, err = coord.StartPhase(ctx, workspace, "build")
	if err != nil {
		t.Fatalf("StartPhase(build): %v", err)
	}
	if len(res.Instructions) != 0 || skipReason(res.Skipped, "architecture") != reload.SkipRecentlyLoaded {
		t.Errorf("build transition = instructions %v, skipped %+v", ids(res.Instructions), res.Skipped)
	}
	_, err = coord.Update(ctx, workspace, "", func(r *run.Run) (*run.Run, error) {
		_, err := coord.Phases().CompletePhase(r, "build", []run.ArtifactRef{{ID: "changeset", Type: "revision", Path: "abc123"}})
		return r, err
	})
	if err != nil {
		t.Fatalf("CompletePhase(build): %v", err)
	}

	clock.Advance(time.Minute)
	complete("evaluate", "evaluation_report", "docs/eval.md")
	res, err = coord.StartPhase(ctx, workspace, "release")
	if err != nil {
		t.Fatalf("StartPhase(release): %v", err)
	}
	if got := ids(res.Instructions); !reflect.DeepEqual(got, []string{"evaluation_report"}) {
		t.Errorf("release transition instructions = %v", got)
	}
	if res.Instructions[0].Path != "docs/eval.md" {
		t.Errorf("evaluation_report path = %q", res.Instructions[0].Path)
	}
	complete("release", "", "")

	if _, err := coord.OnSessionEnd(ctx, workspace, run.EndNormal); err != nil {
		t.Fatalf("OnSessionEnd: %v", err)
	}

	final, err := coord.Store(workspace).Load(ctx, runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if final.Status != run.StatusCompleted || !final.Manifest.Completed {
		t.Errorf("status = %s, manifest completed = %v", final.Status, final.Manifest.Completed)
	}
	if len(final.Checkpoints) != 6 {
		t.Errorf("checkpoints = %d, want 6 (creation plus one per phase)", len(final.Checkpoints))
	}
	if len(final.Sessions.History) != 2 {
		t.Fatalf("session history = %d, want 2", len(final.Sessions.History))
	}
	first, second := final.Sessions.History[0], final.Sessions.History[1]
	if first.EndReason != run.EndCompaction || !reflect.DeepEqual(first.PhasesCompletedDuringSession, []string{"frame", "architect"}) {
		t.Errorf("first session = %s %v", first.EndReason, first.PhasesCompletedDuringSession)
	}
	if second.EndReason != run.EndNormal || !reflect.DeepEqual(second.PhasesCompletedDuringSession, []string{"build", "evaluate", "release"}) {
		t.Errorf("second session = %s %v", second.EndReason, second.PhasesCompletedDuringSession)
	}

	res, err = coord.Cleanup(ctx, workspace, "", false)
	if err != nil || res.Action != recovery.ActionRunArchived {
		t.Fatalf("Cleanup = %+v, %v", res, err)
	}
	res, err = coord.OnSessionStart(ctx, workspace, run.TriggerStartup, run.Environment{ContextID: "ctx-3"})
	if err != nil || res.Action != recovery.ActionSkippedNoActiveRun {
		t.Errorf("session start after cleanup = %+v, %v", res, err)
	}

	for eventType, want := range map[string]int{
		event.TypeRunCreated:        1,
		event.TypeSessionOpened:     2,
		event.TypeSessionClosed:     2,
		event.TypeCheckpointCreated: 6,
		event.TypeRunArchived:       1,
	} {
		if got := rec.count(eventType); got != want {
			t.Errorf("%s events = %d, want %d", eventType, got, want)
		}
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries, err := logging.ReadEntries(logDir)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	completed := logging.Filter{RunID: runID, MessageContains: "phase completed"}.Apply(entries)
	if len(completed) != 5 {
		t.Errorf("phase completed log entries = %d, want 5", len(completed))
	}
}
