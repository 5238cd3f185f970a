package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExists is returned by Open for a session_id already in the
	// registry.
	ErrSessionExists = errors.New("session already open")

	// ErrSessionNotFound is returned when a session_id is not in the
	// registry (never opened, or already closed or recovered).
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClaimed is returned when another tracker holds a live
	// recovery claim on the session.
	ErrSessionClaimed = errors.New("session claimed for recovery")
)

// OrphanRecoveryError reports that sealing an orphaned session failed. The
// claim has been released and the session stays in the registry for the
// next maintenance pass.
type OrphanRecoveryError struct {
	SessionID string
	Err       error
}

func (e *OrphanRecoveryError) Error() string {
	return fmt.Sprintf("ORPHAN_RECOVERY_FAILURE: session %s: %v", e.SessionID, e.Err)
}

func (e *OrphanRecoveryError) Unwrap() error {
	return e.Err
}

// IsOrphanRecoveryError returns true if err is or wraps an OrphanRecoveryError.
func IsOrphanRecoveryError(err error) bool {
	var re *OrphanRecoveryError
	return errors.As(err, &re)
}
