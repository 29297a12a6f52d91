// Package recovery is the engine's entry point for host integrations. Each
// trigger (a context about to be compacted, a session starting or ending, a
// manual prime, a run starting) maps to one Coordinator method that loads
// the workspace's active run, applies the session, phase and reload logic,
// and persists the result with a single whole-document write.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/phase"
	"github.com/Iron-Ham/continuum/internal/reload"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/session"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

// Action names what a trigger did.
type Action string

const (
	ActionSkippedNoActiveRun    Action = "skipped_no_active_run"
	ActionSkippedNoOpenSession  Action = "skipped_no_open_session"
	ActionSessionClosed         Action = "session_closed"
	ActionSessionOpenedPrimed   Action = "session_opened_and_primed"
	ActionSessionContinuePrimed Action = "session_continued_and_primed"
	ActionPrimed                Action = "primed"
	ActionConflict              Action = "conflict"
	ActionRunStarted            Action = "run_started"
	ActionCheckpointSaved       Action = "checkpoint_saved"
	ActionPhaseStarted          Action = "phase_started"
	ActionRunArchived           Action = "run_archived"
)

// Result is returned by every trigger. It is also the JSON document the hook
// commands print.
type Result struct {
	OK            bool                 `json:"ok"`
	Action        Action               `json:"action"`
	RunID         string               `json:"run_id,omitempty"`
	Workspace     string               `json:"workspace"`
	Instructions  []reload.Instruction `json:"instructions,omitempty"`
	Skipped       []reload.Skip        `json:"skipped,omitempty"`
	Warnings      []reload.Warning     `json:"warnings,omitempty"`
	Message       string               `json:"message,omitempty"`
	Session       *run.Session         `json:"session,omitempty"`
	PreviousRunID string               `json:"previous_run_id,omitempty"`
	CheckpointID  string               `json:"checkpoint_id,omitempty"`
}

// Config holds the coordinator's tunables.
type Config struct {
	// StateDir is the workspace-relative state directory name.
	StateDir string
	// StalenessWindow is how long a loaded artifact counts as fresh.
	StalenessWindow time.Duration
	// ForceOnNewSession ignores staleness when a session start opens a new
	// session.
	ForceOnNewSession bool
}

// Coordinator routes triggers to the engine.
type Coordinator struct {
	cfg       Config
	workflows workflowdef.Provider
	clock     run.Clock
	bus       *event.Bus
	logger    *logging.Logger
	phases    *phase.Tracker
	sessions  *session.Tracker
	planner   *reload.Planner
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for every timestamp.
func WithClock(clock run.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithBus publishes engine events to bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithPhaseTracker overrides the phase tracker.
func WithPhaseTracker(t *phase.Tracker) Option {
	return func(c *Coordinator) { c.phases = t }
}

// WithSessionTracker overrides the session tracker.
func WithSessionTracker(t *session.Tracker) Option {
	return func(c *Coordinator) { c.sessions = t }
}

// New creates a Coordinator that resolves workflow definitions through
// workflows.
func New(cfg Config, workflows workflowdef.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{cfg: cfg, workflows: workflows}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = run.SystemClock{}
	}
	if c.phases == nil {
		c.phases = phase.NewTracker(c.clock, phase.WithBus(c.bus), phase.WithLogger(c.logger))
	}
	if c.sessions == nil {
		c.sessions = session.NewTracker(c.clock, session.WithBus(c.bus), session.WithLogger(c.logger))
	}
	c.planner = reload.NewPlanner(c.logger)
	return c
}

// Store opens the state store of workspace.
func (c *Coordinator) Store(workspace string) *state.Store {
	return state.Open(workspace, c.cfg.StateDir)
}

// Phases returns the phase tracker used by the coordinator.
func (c *Coordinator) Phases() *phase.Tracker { return c.phases }

// OnPreCompact closes the open session because the execution context is
// about to be compacted. It does no environment capture and spawns nothing:
// one read and at most one write.
func (c *Coordinator) OnPreCompact(ctx context.Context, workspace string) (Result, error) {
	return c.endSession(ctx, workspace, run.EndCompaction)
}

// OnSessionEnd closes the open session with reason (normal when empty).
func (c *Coordinator) OnSessionEnd(ctx context.Context, workspace string, reason run.EndReason) (Result, error) {
	if reason == "" {
		reason = run.EndNormal
	}
	return c.endSession(ctx, workspace, reason)
}

func (c *Coordinator) endSession(ctx context.Context, workspace string, reason run.EndReason) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.active(ctx, store)
	if r == nil || err != nil {
		return res, err
	}

	closed, err := c.sessions.End(r, reason)
	if err != nil {
		return res, c.wrap("end session", r.RunID, workspace, err)
	}
	if closed == nil {
		res.OK = true
		res.Action = ActionSkippedNoOpenSession
		res.Message = "no open session"
		return res, nil
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("end session", r.RunID, workspace, err)
	}
	res.OK = true
	res.Action = ActionSessionClosed
	res.Session = closed
	return res, nil
}

// OnSessionStart opens (or continues) a session for env and plans the
// critical artifacts the new context needs.
func (c *Coordinator) OnSessionStart(ctx context.Context, workspace string, trigger run.SessionTrigger, env run.Environment) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.active(ctx, store)
	if r == nil || err != nil {
		return res, err
	}

	started, err := c.sessions.Start(r, trigger, env)
	if err != nil {
		return res, c.wrap("start session", r.RunID, workspace, err)
	}
	force := c.cfg.ForceOnNewSession && started.Opened
	if err := c.prime(r, store, reload.TriggerSessionStart, reload.Options{Force: force}, &res); err != nil {
		return res, c.wrap("start session", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("start session", r.RunID, workspace, err)
	}

	res.OK = true
	res.Action = ActionSessionContinuePrimed
	if started.Opened {
		res.Action = ActionSessionOpenedPrimed
	}
	res.Session = r.Sessions.Current
	if started.Abandoned != nil {
		res.Message = fmt.Sprintf("closed abandoned session %s", started.Abandoned.ID)
	}
	return res, nil
}

// OnManualPrime plans artifacts for an explicit prime request. runID
// overrides the active pointer; subset restricts artifact ids by glob.
func (c *Coordinator) OnManualPrime(ctx context.Context, workspace, runID string, force bool, subset []string) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.resolve(ctx, store, runID)
	if r == nil || err != nil {
		return res, err
	}

	if err := c.prime(r, store, reload.TriggerManual, reload.Options{Force: force, Subset: subset}, &res); err != nil {
		return res, c.wrap("prime", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("prime", r.RunID, workspace, err)
	}
	res.OK = true
	res.Action = ActionPrimed
	return res, nil
}

// OnPhaseTransition plans artifacts for the move from one phase to the
// next.
func (c *Coordinator) OnPhaseTransition(ctx context.Context, workspace, from, to string) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.active(ctx, store)
	if r == nil || err != nil {
		return res, err
	}
	if err := c.prime(r, store, reload.PhaseTransitionTrigger(from, to), reload.Options{}, &res); err != nil {
		return res, c.wrap("phase transition", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("phase transition", r.RunID, workspace, err)
	}
	res.OK = true
	res.Action = ActionPrimed
	return res, nil
}

// StartPhase starts a phase of the active run and, in the same write, plans
// the artifacts its phase transition trigger calls for.
func (c *Coordinator) StartPhase(ctx context.Context, workspace, name string) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.active(ctx, store)
	if r == nil || err != nil {
		return res, err
	}

	from := previousPhase(r, name)
	if err := c.phases.StartPhase(r, name); err != nil {
		return res, c.wrap("start phase", r.RunID, workspace, err)
	}
	if err := c.prime(r, store, reload.PhaseTransitionTrigger(from, name), reload.Options{}, &res); err != nil {
		return res, c.wrap("start phase", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("start phase", r.RunID, workspace, err)
	}
	res.OK = true
	res.Action = ActionPhaseStarted
	return res, nil
}

// OnRunStart persists r and makes it the workspace's active run. When the
// pointer already names a different run and overwrite is false, nothing is
// written and a conflict result is returned with a ConflictError.
func (c *Coordinator) OnRunStart(ctx context.Context, workspace string, r *run.Run, overwrite bool) (Result, error) {
	store := c.Store(workspace)
	res := Result{RunID: r.RunID, Workspace: workspace}
	log := c.logger.WithWorkspace(workspace).WithRun(r.RunID)

	previous, err := session.CheckPointer(ctx, store, r.RunID, overwrite)
	if err != nil {
		if errors.Is(err, errors.ErrConflictDetected) {
			c.bus.Publish(event.NewConflictDetectedEvent(c.clock.Now(), workspace, previous, r.RunID))
			log.Warn("active run conflict", "active_run_id", previous)
			res.Action = ActionConflict
			res.PreviousRunID = previous
			res.Message = fmt.Sprintf("workspace already has active run %s; pass overwrite to replace it", previous)
			return res, err
		}
		return res, c.wrap("start run", r.RunID, workspace, err)
	}

	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("start run", r.RunID, workspace, err)
	}
	if _, err := session.ClaimPointer(ctx, store, r.RunID, true); err != nil {
		return res, c.wrap("start run", r.RunID, workspace, err)
	}
	if previous != "" && previous != r.RunID {
		log.Warn("active run replaced", "previous_run_id", previous)
		res.Message = fmt.Sprintf("replaced active run %s", previous)
	}
	log.Info("run started", "workflow_id", r.WorkflowID)
	res.OK = true
	res.Action = ActionRunStarted
	res.PreviousRunID = previous
	return res, nil
}

// StartRun creates a run of workflowID for workRef and hands it to
// OnRunStart. The created run is returned even on conflict so callers can
// show what would have started.
func (c *Coordinator) StartRun(ctx context.Context, workspace, workflowID, workRef string, overwrite bool) (Result, *run.Run, error) {
	def, err := c.workflows.Definition(workspace, workflowID)
	if err != nil {
		return Result{Workspace: workspace}, nil, err
	}
	r, err := c.phases.Create(def, workRef, workspace)
	if err != nil {
		return Result{Workspace: workspace}, nil, err
	}
	res, err := c.OnRunStart(ctx, workspace, r, overwrite)
	return res, r, err
}

// OnSaveNow writes an explicit checkpoint for the active run.
func (c *Coordinator) OnSaveNow(ctx context.Context, workspace string) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.active(ctx, store)
	if r == nil || err != nil {
		return res, err
	}
	cp, err := c.phases.SaveNow(r)
	if err != nil {
		return res, c.wrap("save checkpoint", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, r); err != nil {
		return res, c.wrap("save checkpoint", r.RunID, workspace, err)
	}
	res.OK = true
	res.Action = ActionCheckpointSaved
	res.CheckpointID = cp.ID
	return res, nil
}

// Update loads runID (the active run when empty), applies fn and saves the
// result. fn returns the run to persist, which may be a new value.
func (c *Coordinator) Update(ctx context.Context, workspace, runID string, fn func(r *run.Run) (*run.Run, error)) (*run.Run, error) {
	store := c.Store(workspace)
	r, _, err := c.resolve(ctx, store, runID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.NewNotFoundError("active run", workspace)
	}
	out, err := fn(r)
	if err != nil {
		return nil, c.wrap("update run", r.RunID, workspace, err)
	}
	if err := store.Save(ctx, out); err != nil {
		return nil, c.wrap("update run", r.RunID, workspace, err)
	}
	return out, nil
}

// Recover rolls a failed run back to its latest usable checkpoint.
func (c *Coordinator) Recover(ctx context.Context, workspace, runID string) (*run.Run, error) {
	return c.Update(ctx, workspace, runID, c.phases.Recover)
}

// Cleanup archives a run. Runs that have not completed are refused unless
// force is set. The active pointer is cleared when it names the run.
func (c *Coordinator) Cleanup(ctx context.Context, workspace, runID string, force bool) (Result, error) {
	store := c.Store(workspace)
	r, res, err := c.resolve(ctx, store, runID)
	if r == nil || err != nil {
		return res, err
	}
	if !r.Status.IsTerminal() && !force {
		return res, errors.NewTransitionError("run", r.RunID, string(r.Status), "archived").
			WithRunID(r.RunID).
			WithDetail("only completed runs are archived without force")
	}

	if active, err := store.ReadActivePointer(ctx); err == nil && active == r.RunID {
		if err := store.ClearActivePointer(ctx); err != nil {
			return res, c.wrap("cleanup", r.RunID, workspace, err)
		}
		res.Message = "cleared active run pointer"
	}
	now := c.clock.Now()
	if _, err := store.Archive(ctx, r.RunID, now); err != nil {
		return res, c.wrap("cleanup", r.RunID, workspace, err)
	}
	c.bus.Publish(event.NewRunArchivedEvent(now, r.RunID, workspace))
	c.logger.WithWorkspace(workspace).WithRun(r.RunID).Info("run archived", "status", r.Status)

	res.OK = true
	res.Action = ActionRunArchived
	return res, nil
}

// active loads the run named by the workspace pointer. With no active run
// it returns a nil run and a skipped result.
func (c *Coordinator) active(ctx context.Context, store *state.Store) (*run.Run, Result, error) {
	return c.resolve(ctx, store, "")
}

// resolve loads runID, or the active run when runID is empty.
func (c *Coordinator) resolve(ctx context.Context, store *state.Store, runID string) (*run.Run, Result, error) {
	workspace := store.Workspace()
	res := Result{Workspace: workspace, RunID: runID}

	if runID == "" {
		id, err := store.ReadActivePointer(ctx)
		if errors.IsNotFound(err) {
			res.OK = true
			res.Action = ActionSkippedNoActiveRun
			return nil, res, nil
		}
		if err != nil {
			return nil, res, c.wrap("read active run", "", workspace, err)
		}
		runID = id
		res.RunID = id

		r, err := store.Load(ctx, id)
		if errors.IsNotFound(err) {
			c.logger.WithWorkspace(workspace).Warn("active run pointer references a missing run", "run_id", id)
			res.OK = true
			res.Action = ActionSkippedNoActiveRun
			res.Message = fmt.Sprintf("active run %s has no state document", id)
			return nil, res, nil
		}
		if err != nil {
			return nil, res, c.wrap("load run", id, workspace, err)
		}
		return r, res, nil
	}

	r, err := store.Load(ctx, runID)
	if err != nil {
		return nil, res, c.wrap("load run", runID, workspace, err)
	}
	return r, res, nil
}

// prime plans trigger for r, records what was planned on the run and the
// open session, and copies the plan into res.
func (c *Coordinator) prime(r *run.Run, store *state.Store, trigger string, opts reload.Options, res *Result) error {
	now := c.clock.Now()
	opts.Now = now
	opts.StalenessWindow = c.cfg.StalenessWindow
	opts.Vars = map[string]any{
		"state_dir": store.Root(),
		"workspace": store.Workspace(),
	}

	def, err := c.workflows.Definition(store.Workspace(), r.WorkflowID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		c.logger.WithRun(r.RunID).Warn("workflow definition not found; nothing to reload", "workflow_id", r.WorkflowID)
		res.Message = fmt.Sprintf("workflow %q not found", r.WorkflowID)
		def = nil
	}

	plan, err := c.planner.Plan(r, def, trigger, opts)
	if err != nil {
		return err
	}
	reload.Record(r, plan, now)
	c.sessions.RecordArtifacts(r, plan.ArtifactIDs())
	c.bus.Publish(event.NewArtifactsPlannedEvent(now, r.RunID, trigger,
		len(plan.Instructions), len(plan.Skipped), len(plan.Warnings)))

	res.Instructions = plan.Instructions
	res.Skipped = plan.Skipped
	res.Warnings = plan.Warnings
	return nil
}

// wrap adds run and workspace context to err. Typed engine errors stay
// reachable through errors.Is and errors.As.
func (c *Coordinator) wrap(op, runID, workspace string, err error) error {
	c.logger.WithWorkspace(workspace).WithRun(runID).Error(op+" failed", "error", err.Error())
	return errors.NewRunError(op, err).WithRunID(runID).WithWorkspace(workspace)
}

// previousPhase is the phase a start of name transitions from: the last
// phase before it in workflow order that reached a terminal status, or
// "start" when there is none.
func previousPhase(r *run.Run, name string) string {
	limit := r.PhaseOrder(name)
	from := "start"
	for _, planned := range r.Manifest.Phases {
		if r.PhaseOrder(planned.Name) >= limit {
			break
		}
		if p := r.Phase(planned.Name); p != nil && p.Status.IsTerminal() {
			from = p.Name
		}
	}
	return from
}
