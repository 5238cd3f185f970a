package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roach88/vledger/internal/ledger"
)

const uniqueViolation = "23505"

// classify maps pgx errors onto the ledger taxonomy. Connection loss,
// server shutdown, resource exhaustion, lock conflicts and deadlines are
// BackendUnavailable; typed ledger errors pass through.
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
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed pool") ||
		strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
