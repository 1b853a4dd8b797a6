/**
 * @description
 * This file defines the storage contracts the ledger depends on: the AccountStore that
 * owns every balance write, the ConsistencyGuard that brackets a unit of work in one
 * atomic, isolated scope, and the Scope handle passed explicitly between them.
 *
 * @dependencies
 * - github.com/shopspring/decimal: fixed-point balance deltas.
 * - internal/domain: account and totals models.
 */

package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	// ErrNegativeBalance is raised by the storage constraint that keeps committed balances >= 0.
	ErrNegativeBalance = errors.New("balance would become negative")
	ErrScopeClosed     = errors.New("scope is closed")
	ErrForeignScope    = errors.New("scope does not belong to this store")
	// ErrConflict covers serialization failures, deadlocks and lock wait timeouts.
	ErrConflict    = errors.New("concurrent update conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// ErrValueOutOfRange is a value the storage column cannot represent, such as NUMERIC overflow.
var ErrValueOutOfRange = errors.New("value out of range")

// ScopeState tracks a scope through Open -> Committed | Aborted.
type ScopeState int

const (
	ScopeOpen ScopeState = iota
	ScopeCommitted
	ScopeAborted
)

func (s ScopeState) String() string {
	switch s {
	case ScopeOpen:
		return "open"
	case ScopeCommitted:
		return "committed"
	case ScopeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Scope is the handle for one atomic unit of work. It is created by a ConsistencyGuard
// and must be handed to every AccountStore call that belongs to the unit.
type Scope interface {
	ID() string
	State() ScopeState
}

// WorkFunc is the body of a guarded unit of work.
type WorkFunc func(ctx context.Context, scope Scope) error

// ConsistencyGuard runs work in a scope that commits when work returns nil and aborts
// otherwise. The scope is always closed before Run returns.
type ConsistencyGuard interface {
	Run(ctx context.Context, work WorkFunc) error
}

// AccountStore is the only writer of balances.
type AccountStore interface {
	// Get returns the committed account for owner, or ErrAccountNotFound.
	Get(ctx context.Context, owner domain.OwnerID) (domain.Account, error)
	// LockAccounts reads the given accounts through scope, taking row locks in ascending
	// owner order. Unknown owners are absent from the result.
	LockAccounts(ctx context.Context, scope Scope, owners ...domain.OwnerID) (map[domain.OwnerID]domain.Account, error)
	// AdjustBalance applies balance += delta inside scope. It does not check sufficiency.
	AdjustBalance(ctx context.Context, scope Scope, owner domain.OwnerID, delta decimal.Decimal) error
	// Create inserts a new account, returning ErrAccountExists for a known owner.
	Create(ctx context.Context, account domain.Account) error
	// Totals reports the committed account count, balance sum and negative-balance count.
	Totals(ctx context.Context) (domain.LedgerTotals, error)
}

// Ledger bundles a store with the guard whose scopes it accepts.
type Ledger interface {
	AccountStore
	ConsistencyGuard
}
