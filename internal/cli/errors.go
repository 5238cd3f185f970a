package cli

import (
	"errors"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/session"
)

// Error codes for CLI output.
const (
	ErrCodeGeneric            = "E001" // Generic/unknown error
	ErrCodeConfig             = "E002" // Configuration invalid or unreadable
	ErrCodeBackendUnavailable = "E003" // Both or the required backend unreachable
	ErrCodeValidation         = "E004" // Malformed request
	ErrCodeNotFound           = "E005" // Session or entry not found
	ErrCodeChainCorruption    = "E006" // Lineage corrupted or halted
	ErrCodeSessionConflict    = "E007" // Session exists or is claimed by recovery
	ErrCodeRecoveryFailed     = "E008" // Orphan recovery could not seal
)

// errorCode maps an error to its CLI code.
func errorCode(err error) string {
	switch {
	case ledger.IsChainCorruption(err):
		return ErrCodeChainCorruption
	case ledger.IsValidationError(err):
		return ErrCodeValidation
	case session.IsOrphanRecoveryError(err):
		return ErrCodeRecoveryFailed
	case ledger.IsBackendUnavailable(err):
		return ErrCodeBackendUnavailable
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrCodeNotFound
	case errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrSessionClaimed):
		return ErrCodeSessionConflict
	default:
		return ErrCodeGeneric
	}
}

// fail prints err through the formatter and returns the matching
// ExitError. Chain corruption is a verification failure (exit 1);
// everything else is a command error (exit 2).
func fail(f *OutputFormatter, message string, err error) error {
	code := errorCode(err)
	_ = f.Error(code, message+": "+err.Error(), nil)
	exit := ExitCommandError
	if code == ErrCodeChainCorruption {
		exit = ExitFailure
	}
	return WrapExitError(exit, code+": "+message, err)
}
