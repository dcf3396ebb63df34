package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLockHeld         = errors.New("lock already held")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidExecution = errors.New("invalid execution")
	ErrRebuildFailed    = errors.New("full rebuild failed")
	ErrContextDone      = errors.New("context cancelled")
)

// invalidExecution wraps ErrInvalidExecution with the concrete reason so
// callers can both match with errors.Is and report the reason per row.
func invalidExecution(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidExecution, reason)
}
