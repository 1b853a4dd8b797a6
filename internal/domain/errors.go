package domain

import (
	"context"
	"errors"
)

// Outcome taxonomy for ledger operations. Callers match with errors.Is; details are
// attached by wrapping with fmt.Errorf("%w: ...").
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSourceNotFound      = errors.New("source account not found")
	ErrDestinationNotFound = errors.New("destination account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrUnexpected          = errors.New("unexpected error")

	// ErrAccountNotFound is returned by balance lookups for an unknown owner.
	ErrAccountNotFound = errors.New("account not found")
)

// ErrorKind is a stable, wire-safe label for an outcome.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindSourceNotFound      ErrorKind = "source_not_found"
	KindDestinationNotFound ErrorKind = "destination_not_found"
	KindAccountNotFound     ErrorKind = "account_not_found"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindTransactionConflict ErrorKind = "transaction_conflict"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindUnexpected          ErrorKind = "unexpected"
)

// KindOf classifies err. Errors outside the taxonomy are reported as unexpected.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrSourceNotFound):
		return KindSourceNotFound
	case errors.Is(err, ErrDestinationNotFound):
		return KindDestinationNotFound
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrTransactionConflict):
		return KindTransactionConflict
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindStoreUnavailable
	default:
		return KindUnexpected
	}
}

// IsTransient reports whether the caller may retry the same request unchanged.
func IsTransient(err error) bool {
	kind := KindOf(err)
	return kind == KindTransactionConflict || kind == KindStoreUnavailable
}

// IsRejection reports whether err is a deterministic business outcome: retrying the
// same request against the same state yields the same answer.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindSourceNotFound, KindDestinationNotFound, KindAccountNotFound, KindInsufficientFunds:
		return true
	default:
		return false
	}
}
