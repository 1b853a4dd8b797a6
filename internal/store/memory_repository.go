package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// MemoryRepository is an in-process AccountStore and ConsistencyGuard.
//
// Writes made through a scope are buffered and only merged into the committed map when
// the scope commits, so readers outside the scope never see a partial transfer. Each
// account has an exclusive lock that a scope holds from first touch until it closes.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[domain.OwnerID]domain.Account

	locksMu sync.Mutex
	locks   map[domain.OwnerID]chan struct{}

	lockTimeout time.Duration
	now         func() time.Time
}

func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[domain.OwnerID]domain.Account),
		locks:       make(map[domain.OwnerID]chan struct{}),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type memoryScope struct {
	id      string
	repo    *MemoryRepository
	state   ScopeState
	held    map[domain.OwnerID]struct{}
	pending map[domain.OwnerID]decimal.Decimal
}

func (s *memoryScope) ID() string        { return s.id }
func (s *memoryScope) State() ScopeState { return s.state }

// Run executes work inside a new scope. A panic in work aborts the scope and is re-raised.
func (r *MemoryRepository) Run(ctx context.Context, work WorkFunc) error {
	if err := ctx.Err(); err != nil {
		return classifyContextError(err)
	}

	scope := &memoryScope{
		id:      uuid.NewString(),
		repo:    r,
		state:   ScopeOpen,
		held:    make(map[domain.OwnerID]struct{}),
		pending: make(map[domain.OwnerID]decimal.Decimal),
	}
	defer func() {
		if p := recover(); p != nil {
			scope.abort()
			panic(p)
		}
	}()

	if err := work(ctx, scope); err != nil {
		scope.abort()
		return err
	}
	if err := ctx.Err(); err != nil {
		scope.abort()
		return classifyContextError(err)
	}
	return scope.commit()
}

func (s *memoryScope) commit() error {
	r := s.repo
	r.mu.Lock()
	for owner := range s.pending {
		if _, ok := r.accounts[owner]; !ok {
			r.mu.Unlock()
			s.abort()
			return fmt.Errorf("commit: %w: %s", ErrAccountNotFound, owner)
		}
	}
	for owner, delta := range s.pending {
		account := r.accounts[owner]
		account.Balance = account.Balance.Add(delta)
		account.UpdatedAt = r.now()
		r.accounts[owner] = account
	}
	r.mu.Unlock()

	s.state = ScopeCommitted
	s.releaseAll()
	return nil
}

func (s *memoryScope) abort() {
	if s.state != ScopeOpen {
		return
	}
	s.pending = nil
	s.state = ScopeAborted
	s.releaseAll()
}

func (s *memoryScope) releaseAll() {
	for owner := range s.held {
		s.repo.release(owner)
	}
	s.held = nil
}

func (r *MemoryRepository) openScope(scope Scope) (*memoryScope, error) {
	s, ok := scope.(*memoryScope)
	if !ok || s == nil || s.repo != r {
		return nil, ErrForeignScope
	}
	if s.state != ScopeOpen {
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.state)
	}
	return s, nil
}

func (r *MemoryRepository) lockFor(owner domain.OwnerID) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	ch, ok := r.locks[owner]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[owner] = ch
	}
	return ch
}

func (r *MemoryRepository) acquire(ctx context.Context, owner domain.OwnerID) error {
	ch := r.lockFor(owner)

	var timeout <-chan time.Time
	if r.lockTimeout > 0 {
		timer := time.NewTimer(r.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return classifyContextError(ctx.Err())
	case <-timeout:
		return fmt.Errorf("%w: lock wait timed out for %s", ErrConflict, owner)
	}
}

func (r *MemoryRepository) release(owner domain.OwnerID) {
	<-r.lockFor(owner)
}

func (s *memoryScope) hold(ctx context.Context, owner domain.OwnerID) error {
	if _, ok := s.held[owner]; ok {
		return nil
	}
	if err := s.repo.acquire(ctx, owner); err != nil {
		return err
	}
	s.held[owner] = struct{}{}
	return nil
}

// view returns the account as seen from inside the scope. Caller holds r.mu.
func (s *memoryScope) view(owner domain.OwnerID) (domain.Account, bool) {
	account, ok := s.repo.accounts[owner]
	if !ok {
		return domain.Account{}, false
	}
	if delta, ok := s.pending[owner]; ok {
		account.Balance = account.Balance.Add(delta)
	}
	return account, true
}

func (r *MemoryRepository) Get(ctx context.Context, owner domain.OwnerID) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, classifyContextError(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[owner]
	if !ok {
		return domain.Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (r *MemoryRepository) LockAccounts(ctx context.Context, scope Scope, owners ...domain.OwnerID) (map[domain.OwnerID]domain.Account, error) {
	s, err := r.openScope(scope)
	if err != nil {
		return nil, err
	}

	// Only existing accounts get a lock entry; unknown owners are reported as absent.
	for _, owner := range r.existing(sortedOwners(owners)) {
		if err := s.hold(ctx, owner); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	found := make(map[domain.OwnerID]domain.Account, len(owners))
	for _, owner := range owners {
		if account, ok := s.view(owner); ok {
			found[owner] = account
		}
	}
	return found, nil
}

func (r *MemoryRepository) AdjustBalance(ctx context.Context, scope Scope, owner domain.OwnerID, delta decimal.Decimal) error {
	s, err := r.openScope(scope)
	if err != nil {
		return err
	}
	if len(r.existing([]domain.OwnerID{owner})) == 0 {
		return ErrAccountNotFound
	}
	if err := s.hold(ctx, owner); err != nil {
		return err
	}

	r.mu.RLock()
	account, ok := s.view(owner)
	r.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}
	next := account.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeBalance, owner)
	}
	if next.GreaterThanOrEqual(domain.AmountLimit) {
		return fmt.Errorf("%w: balance of %s", ErrValueOutOfRange, owner)
	}

	s.pending[owner] = s.pending[owner].Add(delta)
	return nil
}

func (r *MemoryRepository) Create(ctx context.Context, account domain.Account) error {
	if err := ctx.Err(); err != nil {
		return classifyContextError(err)
	}
	if account.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	if account.Balance.GreaterThanOrEqual(domain.AmountLimit) {
		return ErrValueOutOfRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.OwnerID]; exists {
		return ErrAccountExists
	}
	now := r.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	r.accounts[account.OwnerID] = account
	return nil
}

func (r *MemoryRepository) Totals(ctx context.Context) (domain.LedgerTotals, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerTotals{}, classifyContextError(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := domain.LedgerTotals{Sum: decimal.Zero}
	for _, account := range r.accounts {
		totals.Accounts++
		totals.Sum = totals.Sum.Add(account.Balance)
		if account.Balance.IsNegative() {
			totals.Negative++
		}
	}
	return totals, nil
}

// Ping always succeeds; present so both stores satisfy the same health check.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// existing filters owners down to those with an account, keeping their order. Accounts
// are never removed, so the result stays valid after r.mu is released.
func (r *MemoryRepository) existing(owners []domain.OwnerID) []domain.OwnerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := owners[:0:0]
	for _, owner := range owners {
		if _, ok := r.accounts[owner]; ok {
			out = append(out, owner)
		}
	}
	return out
}

// sortedOwners returns the distinct owners in ascending order, the global lock order.
func sortedOwners(owners []domain.OwnerID) []domain.OwnerID {
	seen := make(map[domain.OwnerID]struct{}, len(owners))
	out := make([]domain.OwnerID, 0, len(owners))
	for _, owner := range owners {
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
