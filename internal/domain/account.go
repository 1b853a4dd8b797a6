/**
 * @description
 * Core domain models for the ledger-service: the per-owner Account record, the
 * transfer request accepted by the coordinator and the result it returns.
 *
 * @notes
 * - Balances and amounts are fixed-point decimals with two fractional digits.
 * - OwnerID values are issued by the identity provider and are opaque here.
 */

package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxOwnerIDLength bounds the identifier accepted from the identity provider.
const MaxOwnerIDLength = 128

// AmountScale is the number of fractional digits a balance or amount may carry.
const AmountScale int32 = 2

// MaxAmountDigits is the number of integer digits a stored balance can hold.
const MaxAmountDigits = 18

// AmountLimit is the exclusive upper bound for any amount or balance.
var AmountLimit = decimal.New(1, MaxAmountDigits)

// CheckAmountRange reports amounts the balance column cannot represent.
func CheckAmountRange(field string, amount decimal.Decimal) error {
	if amount.Abs().GreaterThanOrEqual(AmountLimit) {
		return fmt.Errorf("%w: %s exceeds %d integer digits", ErrInvalidRequest, field, MaxAmountDigits)
	}
	return nil
}

// OwnerID identifies the party that owns an account.
type OwnerID string

func (id OwnerID) String() string { return string(id) }

// ParseOwnerID trims the raw value and checks it is well-formed.
func ParseOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if len(trimmed) > MaxOwnerIDLength {
		return "", fmt.Errorf("%w: owner id exceeds %d characters", ErrInvalidRequest, MaxOwnerIDLength)
	}
	if strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: owner id must not contain whitespace", ErrInvalidRequest)
	}
	return OwnerID(trimmed), nil
}

// Account is the single balance record kept for each owner.
// It maps directly to the `accounts` table.
type Account struct {
	OwnerID   OwnerID         `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransferRequest is the input to a single transfer.
type TransferRequest struct {
	Source      OwnerID
	Destination OwnerID
	Amount      decimal.Decimal
}

// NewTransferRequest normalizes raw inputs into a validated request. The caller id comes
// from the identity gateway and is shape-checked like any other owner id.
func NewTransferRequest(caller, destination string, amount *decimal.Decimal) (TransferRequest, error) {
	if amount == nil {
		return TransferRequest{}, fmt.Errorf("%w: amount is required", ErrInvalidRequest)
	}
	dest, err := ParseOwnerID(destination)
	if err != nil {
		return TransferRequest{}, fmt.Errorf("destination: %w", err)
	}
	source, err := ParseOwnerID(caller)
	if err != nil {
		return TransferRequest{}, fmt.Errorf("caller: %w", err)
	}
	req := TransferRequest{Source: source, Destination: dest, Amount: *amount}
	if err := req.Validate(); err != nil {
		return TransferRequest{}, err
	}
	return req, nil
}

// Validate checks the request-level rules that need no stored state.
func (r TransferRequest) Validate() error {
	if r.Source == "" || r.Destination == "" {
		return fmt.Errorf("%w: source and destination are required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if !r.Amount.Equal(r.Amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount supports at most %d decimal places", ErrInvalidRequest, AmountScale)
	}
	if err := CheckAmountRange("amount", r.Amount); err != nil {
		return err
	}
	if r.Source == r.Destination {
		return fmt.Errorf("%w: cannot transfer to your own account", ErrInvalidRequest)
	}
	return nil
}

// TransferResult is returned once a transfer has committed.
type TransferResult struct {
	Success       bool            `json:"success"`
	TransferID    uuid.UUID       `json:"transfer_id"`
	Source        OwnerID         `json:"source"`
	Destination   OwnerID         `json:"destination"`
	Amount        decimal.Decimal `json:"amount"`
	SourceBalance decimal.Decimal `json:"source_balance"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// LedgerTotals is a committed snapshot used by the invariant audit.
type LedgerTotals struct {
	Accounts int64
	Sum      decimal.Decimal
	Negative int64
}
