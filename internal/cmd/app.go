package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/continuum/internal/config"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/recovery"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
	"github.com/spf13/cobra"
)

// LogsDir is the log directory inside the state directory.
const LogsDir = "logs"

// app bundles what a command needs: the resolved workspace, configuration,
// logger and the coordinator wired to them.
type app struct {
	cfg       *config.Config
	workspace string
	json      bool
	out       io.Writer
	errOut    io.Writer
	logger    *logging.Logger
	bus       *event.Bus
	workflows *workflowdef.Loader
	coord     *recovery.Coordinator
	styles    styles
}

func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	workspace, err := resolveWorkspace(opts.workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return buildApp(cmd, opts, cfg, workspace)
}

func buildApp(cmd *cobra.Command, opts *globalOptions, cfg *config.Config, workspace string) (*app, error) {
	logger, err := openLogger(cfg, workspace)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	bus.SetPanicHandler(func(eventType string, recovered any, stack []byte) {
		logger.Error("event handler panicked", "event_type", eventType, "panic", fmt.Sprint(recovered), "stack", string(stack))
	})
	bus.SubscribeAll(func(e event.Event) {
		logger.Debug("event", eventAttrs(e)...)
	})

	workflows := workflowdef.NewLoader(cfg.State.Dir, cfg.WorkflowSearchPaths()...)
	coord := recovery.New(recovery.Config{
		StateDir:          cfg.State.Dir,
		StalenessWindow:   cfg.Reload.StalenessWindow,
		ForceOnNewSession: cfg.Reload.ForceOnNewSession,
	}, workflows,
		recovery.WithBus(bus),
		recovery.WithLogger(logger.WithWorkspace(workspace)),
	)

	return &app{
		cfg:       cfg,
		workspace: workspace,
		json:      opts.json,
		out:       cmd.OutOrStdout(),
		errOut:    cmd.ErrOrStderr(),
		logger:    logger,
		bus:       bus,
		workflows: workflows,
		coord:     coord,
		styles:    newStyles(cfg.Output.Color, cmd.OutOrStdout()),
	}, nil
}

// eventAttrs flattens an event into log key/value pairs. Keys shared with
// the logger's scoping helpers (run_id, phase, session_id) keep the same
// names so `logs --run` and `--phase` match event entries.
func eventAttrs(e event.Event) []any {
	attrs := []any{"event_type", e.EventType()}
	switch ev := e.(type) {
	case event.RunCreatedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "workflow_id", ev.WorkflowID, "work_ref", ev.WorkRef)
	case event.RunStatusChangedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "from", ev.From, "to", ev.To)
	case event.RunRecoveredEvent:
		attrs = append(attrs, "run_id", ev.RunID, "phase", ev.Phase, "checkpoint_id", ev.CheckpointID)
	case event.RunArchivedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "workspace", ev.Workspace)
	case event.PhaseTransitionedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "phase", ev.Phase, "from", ev.From, "to", ev.To)
		if ev.Reason != "" {
			attrs = append(attrs, "reason", ev.Reason)
		}
	case event.CheckpointCreatedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "checkpoint_id", ev.CheckpointID, "phase", ev.Phase, "reason", ev.Reason)
	case event.SessionOpenedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "session_id", ev.SessionID, "trigger", ev.Trigger, "context_id", ev.ContextID)
	case event.SessionClosedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "session_id", ev.SessionID, "reason", ev.Reason)
	case event.ArtifactsPlannedEvent:
		attrs = append(attrs, "run_id", ev.RunID, "trigger", ev.Trigger,
			"instructions", ev.Instructions, "skipped", ev.Skipped, "warnings", ev.Warnings)
	case event.ConflictDetectedEvent:
		attrs = append(attrs, "workspace", ev.Workspace, "active_run_id", ev.ActiveRunID, "requested_run_id", ev.RequestedRunID)
	}
	return attrs
}

// close flushes the log file.
func (a *app) close() {
	_ = a.logger.Close()
}

func (a *app) store() *state.Store {
	return a.coord.Store(a.workspace)
}

// hookContext bounds a hook call by hook.timeout.
func (a *app) hookContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.Hook.Timeout)
}

// openLogger writes to <state dir>/logs when the state directory already
// exists, so commands that find no active run leave the workspace
// untouched. With file logging disabled, warnings go to stderr.
func openLogger(cfg *config.Config, workspace string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.New(logging.Options{Level: logging.LevelWarn})
	}
	root := state.Dir(workspace, cfg.State.Dir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return logging.NopLogger(), nil
	}
	return logging.New(logging.Options{
		Dir:   filepath.Join(root, LogsDir),
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
}

func resolveWorkspace(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace %q: %w", dir, err)
	}
	return abs, nil
}
