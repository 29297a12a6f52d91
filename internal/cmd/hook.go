package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/recovery"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// maxPayloadBytes caps the hook payload read from stdin.
const maxPayloadBytes = 1 << 20

// hookPayload is the JSON document a host passes to a hook on stdin. Every
// field is optional.
type hookPayload struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
	Source         string `json:"source"`
	Reason         string `json:"reason"`
	HookEventName  string `json:"hook_event_name"`
	TranscriptPath string `json:"transcript_path"`
}

// hookOutput is what every hook prints: the coordinator result plus the
// error text when the call failed.
type hookOutput struct {
	recovery.Result
	Error string `json:"error,omitempty"`
}

func registerHookCmd(root *cobra.Command, opts *globalOptions) {
	hookCmd := &cobra.Command{
		Use:   "hook",
		Short: "Entry points for host lifecycle hooks",
		Long: `Entry points for host lifecycle hooks.

Each subcommand reads an optional JSON payload from stdin (session_id, cwd,
source, reason, hook_event_name) and prints a JSON result on stdout. When the
workspace has no active run every hook is a no-op and writes nothing.`,
	}

	hookCmd.AddCommand(&cobra.Command{
		Use:   "pre-compact",
		Short: "Close the open session before the context is compacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHook(cmd, opts, func(a *app, p hookPayload) (recovery.Result, error) {
				ctx, cancel := a.hookContext(cmd.Context())
				defer cancel()
				return a.coord.OnPreCompact(ctx, a.workspace)
			})
		},
	})

	var kind, contextID string
	startCmd := &cobra.Command{
		Use:   "session-start",
		Short: "Open or continue a session and plan artifact reloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHook(cmd, opts, func(a *app, p hookPayload) (recovery.Result, error) {
				ctx, cancel := a.hookContext(cmd.Context())
				defer cancel()

				trigger := run.SessionTrigger(firstNonEmpty(kind, p.Source))
				id := firstNonEmpty(contextID, p.SessionID)

				var env run.Environment
				if a.cfg.Session.CaptureRevision {
					revCtx, revCancel := context.WithTimeout(ctx, a.cfg.Session.RevisionTimeout())
					env = session.CaptureEnvironment(revCtx, a.workspace, id, true)
					revCancel()
				} else {
					env = session.CaptureEnvironment(ctx, a.workspace, id, false)
				}
				return a.coord.OnSessionStart(ctx, a.workspace, trigger, env)
			})
		},
	}
	startCmd.Flags().StringVar(&kind, "kind", "", "session start kind: startup, resume, compact, clear, manual (default from payload source, else startup)")
	startCmd.Flags().StringVar(&contextID, "context-id", "", "execution context identity (default from payload session_id)")
	hookCmd.AddCommand(startCmd)

	var reason string
	endCmd := &cobra.Command{
		Use:   "session-end",
		Short: "Close the open session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHook(cmd, opts, func(a *app, p hookPayload) (recovery.Result, error) {
				ctx, cancel := a.hookContext(cmd.Context())
				defer cancel()

				end := run.EndReason(reason)
				if reason == "" {
					// Hosts report their own exit reasons; anything that is
					// not one of ours is a normal end.
					end = run.EndReason(p.Reason)
					if !end.Valid() {
						end = run.EndNormal
					}
				}
				return a.coord.OnSessionEnd(ctx, a.workspace, end)
			})
		},
	}
	endCmd.Flags().StringVar(&reason, "reason", "", "end reason: normal, compaction, abandoned (default normal)")
	hookCmd.AddCommand(endCmd)

	hookCmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write an explicit checkpoint of the active run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHook(cmd, opts, func(a *app, p hookPayload) (recovery.Result, error) {
				ctx, cancel := a.hookContext(cmd.Context())
				defer cancel()
				return a.coord.OnSaveNow(ctx, a.workspace)
			})
		},
	})

	root.AddCommand(hookCmd)
}

// runHook reads the payload, builds the app for the payload's workspace and
// prints the JSON result, also on failure.
func runHook(cmd *cobra.Command, opts *globalOptions, fn func(a *app, p hookPayload) (recovery.Result, error)) error {
	payload, err := readPayload(cmd.InOrStdin())
	if err != nil {
		return err
	}

	hookOpts := *opts
	if hookOpts.workspace == "" && payload.Cwd != "" {
		hookOpts.workspace = payload.Cwd
	}
	a, err := newApp(cmd, &hookOpts)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Debug("hook invoked", "command", cmd.Name(), "hook_event_name", payload.HookEventName, "context_id", payload.SessionID)

	res, err := fn(a, payload)
	out := hookOutput{Result: res}
	if out.Workspace == "" {
		out.Workspace = a.workspace
	}
	if err != nil {
		out.OK = false
		out.Error = err.Error()
	}
	if werr := writeJSON(a.out, out); werr != nil {
		return werr
	}
	return err
}

// readPayload parses the hook payload. A terminal or empty stdin yields the
// zero payload.
func readPayload(in io.Reader) (hookPayload, error) {
	var p hookPayload
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return p, nil
	}
	data, err := io.ReadAll(io.LimitReader(in, maxPayloadBytes))
	if err != nil {
		return p, errors.NewIOError("read", "stdin", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: hook payload is not JSON: %v", errors.ErrInvalidInput, err)
	}
	return p, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
