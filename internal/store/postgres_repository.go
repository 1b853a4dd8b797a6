/**
 * @description
 * This file provides the PostgreSQL implementation of the AccountStore and the
 * ConsistencyGuard. A guard scope is a pgx transaction; accounts touched by a transfer
 * are locked with SELECT ... FOR UPDATE in ascending owner order, so two transfers in
 * opposite directions wait on each other instead of deadlocking.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and transaction handling.
 * - github.com/shopspring/decimal: NUMERIC balances are exchanged as decimal text.
 * - internal/domain: account models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// PostgresRepository is the production Ledger backed by a pgx pool.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a repository. lockTimeout bounds row-lock waits inside a
// scope; zero leaves the server default in place.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

type pgScope struct {
	id    string
	tx    pgx.Tx
	repo  *PostgresRepository
	state ScopeState
}

func (s *pgScope) ID() string        { return s.id }
func (s *pgScope) State() ScopeState { return s.state }

func (s *pgScope) abort(ctx context.Context) {
	if s.state != ScopeOpen {
		return
	}
	s.state = ScopeAborted
	_ = s.tx.Rollback(context.WithoutCancel(ctx))
}

// Run opens a transaction, runs work, and commits only if work returned nil.
func (r *PostgresRepository) Run(ctx context.Context, work WorkFunc) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	scope := &pgScope{id: uuid.NewString(), tx: tx, repo: r, state: ScopeOpen}
	defer func() {
		if p := recover(); p != nil {
			scope.abort(ctx)
			panic(p)
		}
		scope.abort(ctx)
	}()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classifyPgError(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := work(ctx, scope); err != nil {
		scope.abort(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		scope.state = ScopeAborted
		return classifyPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	scope.state = ScopeCommitted
	return nil
}

func (r *PostgresRepository) openScope(scope Scope) (*pgScope, error) {
	s, ok := scope.(*pgScope)
	if !ok || s == nil || s.repo != r {
		return nil, ErrForeignScope
	}
	if s.state != ScopeOpen {
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.state)
	}
	return s, nil
}

const selectAccountColumns = `owner_id, balance::text, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		account domain.Account
		owner   string
		balance string
	)
	if err := row.Scan(&owner, &balance, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parse balance for %s: %w", owner, err)
	}
	account.OwnerID = domain.OwnerID(owner)
	account.Balance = parsed
	return account, nil
}

func (r *PostgresRepository) Get(ctx context.Context, owner domain.OwnerID) (domain.Account, error) {
	query := `SELECT ` + selectAccountColumns + ` FROM accounts WHERE owner_id = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, owner.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrAccountNotFound
		}
		return domain.Account{}, classifyPgError(fmt.Errorf("failed to get account: %w", err))
	}
	return account, nil
}

func (r *PostgresRepository) LockAccounts(ctx context.Context, scope Scope, owners ...domain.OwnerID) (map[domain.OwnerID]domain.Account, error) {
	s, err := r.openScope(scope)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + selectAccountColumns + ` FROM accounts WHERE owner_id = $1 FOR UPDATE`
	found := make(map[domain.OwnerID]domain.Account, len(owners))
	for _, owner := range sortedOwners(owners) {
		account, err := scanAccount(s.tx.QueryRow(ctx, query, owner.String()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, classifyPgError(fmt.Errorf("failed to lock account %s: %w", owner, err))
		}
		found[owner] = account
	}
	return found, nil
}

func (r *PostgresRepository) AdjustBalance(ctx context.Context, scope Scope, owner domain.OwnerID, delta decimal.Decimal) error {
	s, err := r.openScope(scope)
	if err != nil {
		return err
	}

	query := `UPDATE accounts SET balance = balance + $2::numeric WHERE owner_id = $1`
	tag, err := s.tx.Exec(ctx, query, owner.String(), delta.String())
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to adjust balance for %s: %w", owner, err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, account domain.Account) error {
	if account.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	query := `INSERT INTO accounts (owner_id, balance) VALUES ($1, $2::numeric)`
	if _, err := r.db.Exec(ctx, query, account.OwnerID.String(), account.Balance.StringFixed(domain.AmountScale)); err != nil {
		return classifyPgError(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

func (r *PostgresRepository) Totals(ctx context.Context) (domain.LedgerTotals, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(balance), 0)::text,
		       COUNT(*) FILTER (WHERE balance < 0)
		FROM accounts
	`
	var (
		totals domain.LedgerTotals
		sum    string
	)
	if err := r.db.QueryRow(ctx, query).Scan(&totals.Accounts, &sum, &totals.Negative); err != nil {
		return domain.LedgerTotals{}, classifyPgError(fmt.Errorf("failed to compute totals: %w", err))
	}
	parsed, err := decimal.NewFromString(sum)
	if err != nil {
		return domain.LedgerTotals{}, fmt.Errorf("parse ledger sum: %w", err)
	}
	totals.Sum = parsed
	return totals, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return classifyPgError(r.db.Ping(ctx))
}
