package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// statusDebounce coalesces the burst of events an atomic save produces.
const statusDebounce = 150 * time.Millisecond

func registerStatusCmd(root *cobra.Command, opts *globalOptions) {
	var watch bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active run",
		Long: `Display the workspace's active run: its phases, the open session and
what has been loaded into it.

With --watch the view is redrawn whenever the run's state changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if !watch {
				return a.printStatus(cmd.Context())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watchStatus(ctx)
		},
	}
	statusCmd.Flags().BoolVar(&watch, "watch", false, "Redraw when the run state changes")

	root.AddCommand(statusCmd)
}

func (a *app) printStatus(ctx context.Context) error {
	r, err := a.loadRun(ctx, "")
	if errors.IsNotFound(err) {
		if a.json {
			return writeJSON(a.out, map[string]any{"active": false, "workspace": a.workspace})
		}
		_, err := fmt.Fprintln(a.out, "No active run")
		return err
	}
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, r)
	}
	return renderRun(a.out, a.styles, r)
}

// watchStatus redraws the status whenever a file under the state directory
// changes, until ctx is done.
func (a *app) watchStatus(ctx context.Context) error {
	store := a.store()
	root := store.Root()
	if _, err := os.Stat(root); err != nil {
		return errors.NewNotFoundError("state directory", root).WithCause(err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// fsnotify is not recursive; watch the root for the pointer and the
	// runs directory for documents.
	for _, dir := range []string{root, filepath.Join(root, state.RunsDir)} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := watcher.Add(dir); err != nil {
				return err
			}
		}
	}

	redraw := func() {
		if !a.json && a.styles.color {
			_, _ = io.WriteString(a.out, "\033[H\033[2J")
		}
		if err := a.printStatus(ctx); err != nil {
			a.logger.Warn("status redraw failed", "error", err.Error())
			fmt.Fprintf(a.errOut, "error: %v\n", err)
		}
	}
	redraw()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantStateEvent(root, ev) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Base(ev.Name) == state.RunsDir {
				_ = watcher.Add(ev.Name)
			}
			pending = time.After(statusDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("status watcher error", "error", err.Error())
		case <-pending:
			pending = nil
			redraw()
		}
	}
}

// relevantStateEvent filters out temp files and logs.
func relevantStateEvent(root string, ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, LogsDir)
}
