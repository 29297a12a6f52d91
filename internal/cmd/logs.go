package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type logsOptions struct {
	runID     string
	sessionID string
	phase     string
	tail      int
	follow    bool
	level     string
	since     string
	grep      string
}

func registerLogsCmd(root *cobra.Command, opts *globalOptions) {
	lo := &logsOptions{}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View the workspace debug log",
		Long: `View and filter the debug log written under the state directory.

Examples:
  # Show the last 50 entries
  continuum logs

  # Show everything about one run
  continuum logs --run my-feature-20260501T120000Z-a1b2c3 -n 0

  # Follow the log
  continuum logs -f

  # Warnings and errors from the last hour
  continuum logs --level warn --since 1h

  # Search messages
  continuum logs --grep "conflict|abandoned"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.runLogs(cmd.Context(), lo)
		},
	}

	logsCmd.Flags().StringVar(&lo.runID, "run", "", "Only entries for this run")
	logsCmd.Flags().StringVarP(&lo.sessionID, "session", "s", "", "Only entries for this session")
	logsCmd.Flags().StringVar(&lo.phase, "phase", "", "Only entries for this phase")
	logsCmd.Flags().IntVarP(&lo.tail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&lo.follow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&lo.level, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&lo.since, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&lo.grep, "grep", "", "Filter entries whose message matches pattern (regex)")

	root.AddCommand(logsCmd)
}

func (a *app) runLogs(ctx context.Context, lo *logsOptions) error {
	dir := filepath.Join(state.Dir(a.workspace, a.cfg.State.Dir), LogsDir)

	filter := logging.Filter{
		RunID:     lo.runID,
		SessionID: lo.sessionID,
		Phase:     lo.phase,
	}
	if lo.level != "" {
		filter.Level = logging.ParseLevel(lo.level)
	}
	if lo.since != "" {
		d, err := time.ParseDuration(lo.since)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}
	var grep *regexp.Regexp
	if lo.grep != "" {
		re, err := regexp.Compile(lo.grep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
		grep = re
	}

	if lo.follow {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.followLogs(ctx, filepath.Join(dir, logging.FileName), filter, grep)
	}

	entries, err := logging.ReadEntries(dir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(a.out, "No logs found in %s\n", dir)
		return nil
	}
	if err != nil {
		return err
	}
	entries = grepEntries(filter.Apply(entries), grep)
	if lo.tail > 0 && len(entries) > lo.tail {
		entries = entries[len(entries)-lo.tail:]
	}

	if a.json {
		if entries == nil {
			entries = []logging.Entry{}
		}
		return writeJSON(a.out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "No matching log entries found.")
		return nil
	}
	return a.writeEntries(entries)
}

// followLogs implements tail -f behavior for the log file
func (a *app) followLogs(ctx context.Context, logPath string, filter logging.Filter, grep *regexp.Regexp) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(a.errOut, "Following %s... (Ctrl+C to stop)\n", logPath)

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// No new data, wait briefly and try again
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := logging.ParseEntry(line)
		if err != nil {
			fmt.Fprintln(a.out, line)
			continue
		}
		matched := grepEntries(filter.Apply([]logging.Entry{entry}), grep)
		if err := a.writeEntries(matched); err != nil {
			return err
		}
	}
}

func (a *app) writeEntries(entries []logging.Entry) error {
	if a.json {
		enc := json.NewEncoder(a.out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if !a.styles.color {
		return logging.WriteText(a.out, entries)
	}
	for _, e := range entries {
		if _, err := fmt.Fprintln(a.out, a.formatEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// formatEntry formats a log entry for terminal output
func (a *app) formatEntry(e logging.Entry) string {
	s := a.styles
	var sb strings.Builder

	sb.WriteString(s.muted.Render("[" + e.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(s.levelStyle(e.Level).Render("[" + e.Level + "]"))
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	for _, kv := range [][2]string{{"run", e.RunID}, {"session", e.SessionID}, {"phase", e.Phase}} {
		if kv[1] != "" {
			sb.WriteString(" " + s.active.Render(kv[0]+"="+kv[1]))
		}
	}

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" " + s.muted.Render(fmt.Sprintf("%s=%v", k, e.Attrs[k])))
	}
	return sb.String()
}

func (s styles) levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelError:
		return s.failure
	case logging.LevelWarn:
		return s.warning
	case logging.LevelInfo:
		return s.title
	default:
		return s.muted
	}
}

// grepEntries keeps entries whose message or attributes match re.
func grepEntries(entries []logging.Entry, re *regexp.Regexp) []logging.Entry {
	if re == nil {
		return entries
	}
	var out []logging.Entry
	for _, e := range entries {
		text := e.Message
		for _, v := range e.Attrs {
			text += " " + fmt.Sprintf("%v", v)
		}
		if re.MatchString(text) {
			out = append(out, e)
		}
	}
	return out
}
