// Package errors provides the error taxonomy for the continuity engine. It
// defines sentinel errors for each failure class, typed errors that carry the
// run and workspace context a caller needs to render an actionable message,
// and classification helpers.
//
// # Error Classes
//
//   - NotFound: a run document or the active-run pointer is absent. Often a
//     valid no-op (a hook fired in a workspace with no workflow running).
//   - InvalidTransition: a phase, run or session state machine was violated.
//     Always a caller bug, always surfaced.
//   - IncompleteManifest: completion was attempted before every planned phase
//     reached a terminal status. Recoverable; retry later.
//   - ConflictDetected: the active-run pointer is owned by a different run.
//     Surfaced for a user decision, never auto-resolved.
//   - MissingRequiredArtifact: a required artifact path could not be resolved.
//     A warning; the reload plan is still returned.
//   - IO: a state store read or write failed. Fatal for the current operation,
//     but the previously durable document is never corrupted.
//
// # Usage
//
//	err := errors.NewTransitionError("phase", "build", "completed", "in_progress").
//		WithRunID(r.RunID)
//	if errors.Is(err, errors.ErrInvalidTransition) { ... }
//
//	var conflict *errors.ConflictError
//	if errors.As(err, &conflict) {
//		fmt.Println(conflict.ActiveRunID)
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't fatal.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates a run document or active-run pointer is absent.
	ErrNotFound = New("not found")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = New("invalid transition")
	// ErrIncompleteManifest indicates completion was attempted too early.
	ErrIncompleteManifest = New("incomplete manifest")
	// ErrConflictDetected indicates the workspace pointer belongs to another run.
	ErrConflictDetected = New("conflict detected")
	// ErrMissingRequiredArtifact indicates a required artifact could not be resolved.
	ErrMissingRequiredArtifact = New("missing required artifact")
	// ErrIO indicates a state store read or write failure.
	ErrIO = New("state store i/o failure")
	// ErrInvalidInput indicates a malformed argument, definition or document.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ContinuumError is implemented by every typed error in this package.
type ContinuumError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// contextPrefix renders "label [k=v, ...]" skipping empty values.
func contextPrefix(label string, kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			parts = append(parts, kv[i]+"="+kv[i+1])
		}
	}
	if len(parts) == 0 {
		return label
	}
	return fmt.Sprintf("%s [%s]", label, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// RunError
// -----------------------------------------------------------------------------

// RunError wraps a failure with the run and workspace it happened in. The
// coordinator wraps every propagated error in one so the caller never needs
// to re-derive context.
//
// Example:
//
//	err := errors.NewRunError("save run", cause).WithRunID("fix-42-...").WithWorkspace("/repo")
//	fmt.Println(err) // "run error [run=fix-42-..., workspace=/repo]: save run: ..."
type RunError struct {
	baseError
	RunID     string
	Workspace string
	Phase     string
}

// NewRunError creates a new RunError.
func NewRunError(message string, cause error) *RunError {
	return &RunError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *RunError) WithRunID(id string) *RunError {
	e.RunID = id
	return e
}

// WithWorkspace adds a workspace path to the error context.
func (e *RunError) WithWorkspace(ws string) *RunError {
	e.Workspace = ws
	return e
}

// WithPhase adds a phase name to the error context.
func (e *RunError) WithPhase(phase string) *RunError {
	e.Phase = phase
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	prefix := contextPrefix("run error", "run", e.RunID, "workspace", e.Workspace, "phase", e.Phase)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// NotFoundError
// -----------------------------------------------------------------------------

// NotFoundError represents a run, phase or pointer that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
	if e.ResourceID == "" {
		msg = fmt.Sprintf("%s not found", e.ResourceType)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// TransitionError
// -----------------------------------------------------------------------------

// TransitionError reports a rejected state machine transition.
//
// Example:
//
//	err := errors.NewTransitionError("phase", "build", "completed", "in_progress")
//	fmt.Println(err) // "invalid transition [run=...]: phase 'build' cannot move from completed to in_progress"
type TransitionError struct {
	baseError
	Entity string
	Name   string
	From   string
	To     string
	RunID  string
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(entity, name, from, to string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' cannot move from %s to %s", entity, name, from, to),
			severity:   SeverityError,
			userFacing: true,
		},
		Entity: entity,
		Name:   name,
		From:   from,
		To:     to,
	}
}

// WithRunID adds a run ID to the error context.
func (e *TransitionError) WithRunID(id string) *TransitionError {
	e.RunID = id
	return e
}

// WithDetail replaces the generated message with a more specific one.
func (e *TransitionError) WithDetail(detail string) *TransitionError {
	e.message = detail
	return e
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", contextPrefix("invalid transition", "run", e.RunID), e.message)
}

// Is checks if this error matches the target.
func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	if _, ok := target.(*TransitionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// ConflictError
// -----------------------------------------------------------------------------

// ConflictError reports that a workspace's active-run pointer is owned by a
// different run than the one being started.
type ConflictError struct {
	baseError
	Workspace      string
	ActiveRunID    string
	RequestedRunID string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(workspace, activeRunID, requestedRunID string) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message: fmt.Sprintf("workspace already has active run %s; refusing to replace it with %s",
				activeRunID, requestedRunID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		Workspace:      workspace,
		ActiveRunID:    activeRunID,
		RequestedRunID: requestedRunID,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", contextPrefix("conflict", "workspace", e.Workspace), e.message)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if target == ErrConflictDetected {
		return true
	}
	_, ok := target.(*ConflictError)
	return ok
}

// -----------------------------------------------------------------------------
// IncompleteManifestError
// -----------------------------------------------------------------------------

// IncompleteManifestError lists the planned phases that have not yet reached
// a terminal status.
type IncompleteManifestError struct {
	baseError
	RunID   string
	Pending []string
}

// NewIncompleteManifestError creates a new IncompleteManifestError.
func NewIncompleteManifestError(runID string, pending []string) *IncompleteManifestError {
	return &IncompleteManifestError{
		baseError: baseError{
			message:    fmt.Sprintf("phases not yet terminal: %s", strings.Join(pending, ", ")),
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		RunID:   runID,
		Pending: pending,
	}
}

// Error returns the formatted error message.
func (e *IncompleteManifestError) Error() string {
	return fmt.Sprintf("%s: %s", contextPrefix("incomplete manifest", "run", e.RunID), e.message)
}

// Is checks if this error matches the target.
func (e *IncompleteManifestError) Is(target error) bool {
	if target == ErrIncompleteManifest {
		return true
	}
	_, ok := target.(*IncompleteManifestError)
	return ok
}

// -----------------------------------------------------------------------------
// MissingArtifactError
// -----------------------------------------------------------------------------

// MissingArtifactError is the warning emitted when a required artifact's path
// cannot be resolved from configuration or run state.
type MissingArtifactError struct {
	baseError
	ArtifactID string
	RunID      string
}

// NewMissingArtifactError creates a new MissingArtifactError.
func NewMissingArtifactError(artifactID, reason string) *MissingArtifactError {
	return &MissingArtifactError{
		baseError: baseError{
			message:    fmt.Sprintf("required artifact '%s': %s", artifactID, reason),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ArtifactID: artifactID,
	}
}

// WithRunID adds a run ID to the error context.
func (e *MissingArtifactError) WithRunID(id string) *MissingArtifactError {
	e.RunID = id
	return e
}

// Error returns the formatted error message.
func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("%s: %s", contextPrefix("missing artifact", "run", e.RunID), e.message)
}

// Is checks if this error matches the target.
func (e *MissingArtifactError) Is(target error) bool {
	if target == ErrMissingRequiredArtifact {
		return true
	}
	_, ok := target.(*MissingArtifactError)
	return ok
}

// -----------------------------------------------------------------------------
// IOError
// -----------------------------------------------------------------------------

// IOError wraps a filesystem failure inside the state store.
type IOError struct {
	baseError
	Op   string
	Path string
}

// NewIOError creates a new IOError.
func NewIOError(op, path string, cause error) *IOError {
	return &IOError{
		baseError: baseError{
			message:    op,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: true,
		},
		Op:   op,
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *IOError) Error() string {
	prefix := contextPrefix("state i/o", "path", e.Path)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Op, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Op)
}

// Is checks if this error matches the target.
func (e *IOError) Is(target error) bool {
	if target == ErrIO {
		return true
	}
	if _, ok := target.(*IOError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation may succeed if retried later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce ContinuumError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// IsUserFacing reports whether the error message is safe to show to a user.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ce ContinuumError
	if As(err, &ce) {
		return ce.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error. Errors that don't
// implement ContinuumError are treated as SeverityError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var ce ContinuumError
	if As(err, &ce) {
		return ce.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
