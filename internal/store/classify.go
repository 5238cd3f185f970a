package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/vledger/internal/ledger"
)

// classify maps driver errors onto the ledger taxonomy. Lock contention,
// I/O failures, closed handles and deadlines are BackendUnavailable; typed
// ledger errors pass through; everything else is wrapped with op context.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ledger.ValidationError
		ce *ledger.ChainCorruptionError
		ue *ledger.BackendUnavailableError
	)
	if errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &ue) {
		return err
	}
	if isUnavailable(err) {
		return ledger.Unavailable(BackendName, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr,
			sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrReadonly,
			sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return true
		}
	}
	// database/sql does not export its closed-handle error.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: connection is already closed")
}
