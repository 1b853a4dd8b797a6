package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the ledger reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgCheckViolation       = "23514"
	pgUniqueViolation      = "23505"
	pgTooManyConnections   = "53300"
	pgQueryCanceled        = "57014"

	// Class 22 covers numeric overflow and malformed values; retrying never helps.
	pgDataExceptionClass = "22"
)

func classifyContextError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// classifyPgError maps driver errors onto the store's sentinel errors. Errors it does not
// recognise are returned unchanged.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrAccountExists) || errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrValueOutOfRange) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classifyContextError(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailure, pgErr.Code == pgDeadlockDetected, pgErr.Code == pgLockNotAvailable:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pgErr.Code == pgCheckViolation:
			return fmt.Errorf("%w: %w", ErrNegativeBalance, err)
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrAccountExists, err)
		case strings.HasPrefix(pgErr.Code, pgDataExceptionClass):
			return fmt.Errorf("%w: %w", ErrValueOutOfRange, err)
		case pgErr.Code == pgTooManyConnections, pgErr.Code == pgQueryCanceled,
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
