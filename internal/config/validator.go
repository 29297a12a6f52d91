package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/continuum/internal/run"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "reload.staleness_window")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateReload()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateHook()...)
	errors = append(errors, c.validateWorkflow()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOutput()...)

	return errors
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError

	dir := c.State.Dir
	switch {
	case dir == "":
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   dir,
			Message: "must not be empty",
		})
	case filepath.IsAbs(dir) || strings.ContainsAny(dir, `/\`+"\x00") || dir == "." || dir == "..":
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   dir,
			Message: "must be a single directory name inside the workspace",
		})
	}

	return errors
}

// validateReload validates the ReloadConfig
func (c *Config) validateReload() []ValidationError {
	var errors []ValidationError

	if c.Reload.StalenessWindow < 0 {
		errors = append(errors, ValidationError{
			Field:   "reload.staleness_window",
			Value:   c.Reload.StalenessWindow,
			Message: "must not be negative",
		})
	}

	const maxWindow = 24 * time.Hour
	if c.Reload.StalenessWindow > maxWindow {
		errors = append(errors, ValidationError{
			Field:   "reload.staleness_window",
			Value:   c.Reload.StalenessWindow,
			Message: fmt.Sprintf("exceeds maximum of %s", maxWindow),
		})
	}

	return errors
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	// The revision lookup runs inside the hook budget, so keep it short.
	const maxRevisionTimeoutMs = 30000
	if c.Session.RevisionTimeoutMs <= 0 || c.Session.RevisionTimeoutMs > maxRevisionTimeoutMs {
		errors = append(errors, ValidationError{
			Field:   "session.revision_timeout_ms",
			Value:   c.Session.RevisionTimeoutMs,
			Message: fmt.Sprintf("must be between 1 and %d", maxRevisionTimeoutMs),
		})
	}

	return errors
}

// validateHook validates the HookConfig
func (c *Config) validateHook() []ValidationError {
	var errors []ValidationError

	if c.Hook.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "hook.timeout",
			Value:   c.Hook.Timeout,
			Message: "must be positive",
		})
	}

	return errors
}

// validateWorkflow validates the WorkflowConfig
func (c *Config) validateWorkflow() []ValidationError {
	var errors []ValidationError

	if !run.ValidID(c.Workflow.Default) {
		errors = append(errors, ValidationError{
			Field:   "workflow.default",
			Value:   c.Workflow.Default,
			Message: "must be a workflow id usable as a file name",
		})
	}

	for i, path := range c.Workflow.SearchPaths {
		if strings.TrimSpace(path) == "" || strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("workflow.search_paths[%d]", i),
				Value:   path,
				Message: "must be a non-empty path",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateOutput validates the OutputConfig
func (c *Config) validateOutput() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidColorModes(), c.Output.Color) {
		errors = append(errors, ValidationError{
			Field:   "output.color",
			Value:   c.Output.Color,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidColorModes(), ", ")),
		})
	}

	return errors
}
