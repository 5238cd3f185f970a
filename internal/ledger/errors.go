package ledger

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed caller input. Nothing was written.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeBackendUnavailable marks a connectivity failure. Retryable.
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"

	// ErrCodeChainCorruption marks a lineage whose hash chain failed
	// verification. Appends to it stay halted until an operator resumes it.
	ErrCodeChainCorruption ErrorCode = "CHAIN_CORRUPTION"
)

var (
	// ErrBackendUnavailable matches any BackendUnavailableError via errors.Is.
	ErrBackendUnavailable = errors.New("ledger backend unavailable")

	// ErrChainCorruption matches any ChainCorruptionError via errors.Is.
	ErrChainCorruption = errors.New("ledger chain corruption")
)

// ValidationError reports malformed input: unknown verdict, missing
// identifiers, or a payload that cannot be canonically serialized.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s (%v)", ErrCodeValidation, e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCodeValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BackendUnavailableError reports that a backend could not be reached or
// did not answer within its deadline. The operation had no effect.
type BackendUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrCodeBackendUnavailable, e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBackendUnavailable) match.
func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// Unavailable wraps err as a BackendUnavailableError.
func Unavailable(backend, op string, err error) error {
	return &BackendUnavailableError{Backend: backend, Op: op, Err: err}
}

// ChainCorruptionError reports the first sequence at which a lineage stops
// verifying, or that the lineage is halted because of an earlier finding.
type ChainCorruptionError struct {
	Lineage  Lineage
	Sequence int64
	Reason   string
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("%s: lineage %s at sequence %d: %s", ErrCodeChainCorruption, e.Lineage, e.Sequence, e.Reason)
}

// Is lets errors.Is(err, ErrChainCorruption) match.
func (e *ChainCorruptionError) Is(target error) bool {
	return target == ErrChainCorruption
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsBackendUnavailable returns true if err is or wraps a BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsChainCorruption returns true if err is or wraps a ChainCorruptionError.
func IsChainCorruption(err error) bool {
	return errors.Is(err, ErrChainCorruption)
}
