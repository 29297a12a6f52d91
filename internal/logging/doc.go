// Package logging provides structured logging for continuum.
//
// It wraps log/slog with a JSON handler and carries run, session and phase
// identifiers on child loggers so a single debug.log can be filtered per run
// after the fact. Hooks run in short-lived processes whose stdout belongs to
// the host, so the logger writes to <state dir>/logs/debug.log, rotating by
// size, and falls back to stderr only when file logging is disabled.
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Options{Dir: logDir, Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithRun(r.RunID).WithPhase(r.CurrentPhase)
//	runLog.Info("phase completed", "artifacts", len(artifacts))
//
// Entries are read back with [ReadEntries] and narrowed with [Filter].
package logging
