package session

import (
	"context"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/state"
)

// CheckPointer reports who holds the workspace's active-run pointer before
// runID takes it. It returns the previous holder ("" when free) and a
// ConflictError when another run holds it and overwrite is false.
func CheckPointer(ctx context.Context, store *state.Store, runID string, overwrite bool) (string, error) {
	previous, err := store.ReadActivePointer(ctx)
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		previous = ""
	case overwrite && errors.Is(err, errors.ErrInvalidInput):
		// A malformed pointer may be replaced when overwriting.
		previous = ""
	default:
		return "", err
	}
	if previous != "" && previous != runID && !overwrite {
		return previous, errors.NewConflictError(store.Workspace(), previous, runID)
	}
	return previous, nil
}

// ClaimPointer points the workspace at runID. Only one run is active per
// workspace; taking the pointer from a different run requires overwrite.
// The pointer is not locked, so concurrent claims resolve last writer wins.
func ClaimPointer(ctx context.Context, store *state.Store, runID string, overwrite bool) (string, error) {
	previous, err := CheckPointer(ctx, store, runID, overwrite)
	if err != nil {
		return previous, err
	}
	if err := store.WriteActivePointer(ctx, runID); err != nil {
		return previous, err
	}
	return previous, nil
}
