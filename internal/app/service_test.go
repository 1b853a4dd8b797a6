package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func newTestService(t *testing.T, ledger store.Ledger, opts Options) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	return NewService(ledger, pub, logger.Nop(), opts), pub
}

func seededLedger(t *testing.T, lockTimeout time.Duration, balances map[string]string) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository(lockTimeout)
	for owner, balance := range balances {
		require.NoError(t, repo.Create(context.Background(), domain.Account{
			OwnerID: domain.OwnerID(owner),
			Balance: decimal.RequireFromString(balance),
		}))
	}
	return repo
}

func requireBalance(t *testing.T, repo store.AccountStore, owner string, want string) {
	t.Helper()
	account, err := repo.Get(context.Background(), domain.OwnerID(owner))
	require.NoError(t, err)
	assert.Truef(t, account.Balance.Equal(decimal.RequireFromString(want)),
		"balance of %s: want %s, got %s", owner, want, account.Balance)
}

func requireTotals(t *testing.T, repo store.AccountStore, wantSum string) {
	t.Helper()
	totals, err := repo.Totals(context.Background())
	require.NoError(t, err)
	assert.Truef(t, totals.Sum.Equal(decimal.RequireFromString(wantSum)), "sum: want %s, got %s", wantSum, totals.Sum)
	assert.Zero(t, totals.Negative)
}

func TestTransfer_MovesFunds(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100", "y": "50"})
	svc, pub := newTestService(t, repo, Options{})

	result, err := svc.Transfer(context.Background(), "x", "y", dec("30"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.SourceBalance.Equal(decimal.NewFromInt(70)))
	assert.False(t, result.CompletedAt.IsZero())
	requireBalance(t, repo, "x", "70")
	requireBalance(t, repo, "y", "80")
	requireTotals(t, repo, "150")
	assert.Equal(t, []string{domain.RoutingKeyTransferCompleted}, pub.routingKeys())
}

func TestTransfer_InsufficientFundsChangesNothing(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "10", "y": "50"})
	svc, pub := newTestService(t, repo, Options{})

	_, err := svc.Transfer(context.Background(), "x", "y", dec("30"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	requireBalance(t, repo, "x", "10")
	requireBalance(t, repo, "y", "50")
	assert.Empty(t, pub.routingKeys())
}

func TestTransfer_UnknownDestination(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100"})
	svc, _ := newTestService(t, repo, Options{})

	_, err := svc.Transfer(context.Background(), "x", "nonexistent", dec("10"))
	require.ErrorIs(t, err, domain.ErrDestinationNotFound)
	requireBalance(t, repo, "x", "100")
}

func TestTransfer_ExactBalanceLeavesZero(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "25.50", "y": "0"})
	svc, _ := newTestService(t, repo, Options{})

	_, err := svc.Transfer(context.Background(), "x", "y", dec("25.50"))
	require.NoError(t, err)
	requireBalance(t, repo, "x", "0")
	requireBalance(t, repo, "y", "25.50")
}

func TestTransfer_ValidationOrder(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"rich": "100", "poor": "5", "y": "0"})
	svc, _ := newTestService(t, repo, Options{})

	cases := []struct {
		name        string
		caller      string
		destination string
		amount      *decimal.Decimal
		want        error
	}{
		{"missing amount beats missing source", "ghost", "nowhere", nil, domain.ErrInvalidRequest},
		{"zero amount", "rich", "y", dec("0"), domain.ErrInvalidRequest},
		{"negative amount", "rich", "y", dec("-1"), domain.ErrInvalidRequest},
		{"too many decimal places", "rich", "y", dec("1.001"), domain.ErrInvalidRequest},
		{"blank destination", "rich", "   ", dec("1"), domain.ErrInvalidRequest},
		{"destination with whitespace", "rich", "a b", dec("1"), domain.ErrInvalidRequest},
		{"self transfer", "rich", "rich", dec("1"), domain.ErrInvalidRequest},
		{"missing source beats missing destination", "ghost", "nowhere", dec("1"), domain.ErrSourceNotFound},
		{"missing source beats insufficient", "ghost", "y", dec("1000"), domain.ErrSourceNotFound},
		{"insufficient beats missing destination", "poor", "nowhere", dec("10"), domain.ErrInsufficientFunds},
		{"missing destination", "rich", "nowhere", dec("10"), domain.ErrDestinationNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Transfer(context.Background(), tc.caller, tc.destination, tc.amount)
			require.ErrorIs(t, err, tc.want)
			assert.False(t, domain.IsTransient(err))
		})
	}

	requireTotals(t, repo, "105")
	requireBalance(t, repo, "rich", "100")
	requireBalance(t, repo, "poor", "5")
}

func TestTransfer_NotIdempotentWithoutKey(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100", "y": "0"})
	svc, _ := newTestService(t, repo, Options{})

	for i := 0; i < 2; i++ {
		_, err := svc.Transfer(context.Background(), "x", "y", dec("10"))
		require.NoError(t, err)
	}
	requireBalance(t, repo, "x", "80")
	requireBalance(t, repo, "y", "20")
}

func TestTransfer_ConcurrentDebitsOnlyOneSucceeds(t *testing.T) {
	repo := seededLedger(t, 2*time.Second, map[string]string{"x": "100", "y": "50"})
	svc, _ := newTestService(t, repo, Options{})

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Transfer(context.Background(), "x", "y", dec("80"))
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t,
			errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrTransactionConflict),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)
	requireBalance(t, repo, "x", "20")
	requireBalance(t, repo, "y", "130")
}

func TestTransfer_ConcurrentRandomTransfersConserveSum(t *testing.T) {
	owners := []string{"a", "b", "c", "d", "e"}
	balances := make(map[string]string, len(owners))
	for _, o := range owners {
		balances[o] = "100"
	}
	repo := seededLedger(t, 5*time.Second, balances)
	svc, _ := newTestService(t, repo, Options{})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				from := owners[rng.Intn(len(owners))]
				to := owners[rng.Intn(len(owners))]
				amount := decimal.New(int64(rng.Intn(5000)+1), -2)
				_, err := svc.Transfer(context.Background(), from, to, &amount)
				if err != nil && !domain.IsRejection(err) && !domain.IsTransient(err) {
					t.Errorf("unexpected transfer error: %v", err)
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	requireTotals(t, repo, "500")
}

// failingCreditLedger lets debits through to the real store and fails every credit.
type failingCreditLedger struct {
	store.Ledger
	debits int
}

func (l *failingCreditLedger) AdjustBalance(ctx context.Context, scope store.Scope, owner domain.OwnerID, delta decimal.Decimal) error {
	if delta.IsPositive() {
		return errors.New("credit write failed")
	}
	l.debits++
	return l.Ledger.AdjustBalance(ctx, scope, owner, delta)
}

func TestTransfer_CreditFailureRollsBackDebit(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100", "y": "50"})
	ledger := &failingCreditLedger{Ledger: repo}
	svc, pub := newTestService(t, ledger, Options{})

	_, err := svc.Transfer(context.Background(), "x", "y", dec("30"))
	require.ErrorIs(t, err, domain.ErrUnexpected)
	assert.Equal(t, 1, ledger.debits)

	requireBalance(t, repo, "x", "100")
	requireBalance(t, repo, "y", "50")
	requireTotals(t, repo, "150")
	assert.Empty(t, pub.routingKeys())
}

func TestTransfer_LockWaitSurfacesConflict(t *testing.T) {
	repo := seededLedger(t, 30*time.Millisecond, map[string]string{"x": "100", "y": "50"})
	svc, _ := newTestService(t, repo, Options{})

	held, release := holdLock(t, repo, "y")
	defer release()
	<-held

	_, err := svc.Transfer(context.Background(), "x", "y", dec("10"))
	require.ErrorIs(t, err, domain.ErrTransactionConflict)
	assert.True(t, domain.IsTransient(err))
}

func TestTransfer_TimeoutSurfacesStoreUnavailable(t *testing.T) {
	repo := seededLedger(t, 0, map[string]string{"x": "100", "y": "50"})
	svc, _ := newTestService(t, repo, Options{TransferTimeout: 30 * time.Millisecond})

	held, release := holdLock(t, repo, "x")
	defer release()
	<-held

	_, err := svc.Transfer(context.Background(), "x", "y", dec("10"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, domain.IsTransient(err))
}

// holdLock keeps owner locked in an open scope until release is called.
func holdLock(t *testing.T, repo *store.MemoryRepository, owner domain.OwnerID) (<-chan struct{}, func()) {
	t.Helper()
	held := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = repo.Run(context.Background(), func(ctx context.Context, scope store.Scope) error {
			if _, err := repo.LockAccounts(ctx, scope, owner); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

func TestTransfer_PublishFailureDoesNotFailTransfer(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100", "y": "50"})
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewService(repo, pub, logger.Nop(), Options{})

	_, err := svc.Transfer(context.Background(), "x", "y", dec("1"))
	require.NoError(t, err)
	requireBalance(t, repo, "x", "99")
}

func TestGetBalance(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "12.34"})
	svc, _ := newTestService(t, repo, Options{})

	balance, err := svc.GetBalance(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "12.34", balance.StringFixed(2))

	_, err = svc.GetBalance(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = svc.GetBalance(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestOpenAccount_SeedsFromRange(t *testing.T) {
	repo := store.NewMemoryRepository(time.Second)
	svc, pub := newTestService(t, repo, Options{
		SeedMin: decimal.NewFromInt(1),
		SeedMax: decimal.NewFromInt(10001),
	})
	svc.randFloat = func() float64 { return 0.5 }

	account, created, err := svc.OpenAccount(context.Background(), "new-owner", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "5001.00", account.Balance.StringFixed(2))
	requireBalance(t, repo, "new-owner", "5001")
	assert.Equal(t, []string{domain.RoutingKeyAccountOpened}, pub.routingKeys())
}

func TestOpenAccount_ExplicitBalanceAndDuplicate(t *testing.T) {
	repo := store.NewMemoryRepository(time.Second)
	svc, pub := newTestService(t, repo, Options{})

	_, created, err := svc.OpenAccount(context.Background(), "owner", dec("42.10"))
	require.NoError(t, err)
	assert.True(t, created)

	account, created, err := svc.OpenAccount(context.Background(), "owner", dec("999"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "42.10", account.Balance.StringFixed(2))
	assert.Len(t, pub.routingKeys(), 1)
}

func TestOpenAccount_RejectsBadInput(t *testing.T) {
	repo := store.NewMemoryRepository(time.Second)
	svc, _ := newTestService(t, repo, Options{})

	for _, tc := range []struct {
		owner   string
		initial *decimal.Decimal
	}{
		{"", nil},
		{"owner", dec("-1")},
		{"owner", dec("0.001")},
		{"owner", dec("1000000000000000000")},
	} {
		_, _, err := svc.OpenAccount(context.Background(), tc.owner, tc.initial)
		require.ErrorIs(t, err, domain.ErrInvalidRequest, fmt.Sprintf("owner=%q", tc.owner))
	}
}

func TestTranslateStoreError(t *testing.T) {
	assert.Nil(t, translateStoreError(nil))
	assert.ErrorIs(t, translateStoreError(fmt.Errorf("x: %w", store.ErrConflict)), domain.ErrTransactionConflict)
	assert.ErrorIs(t, translateStoreError(fmt.Errorf("x: %w", store.ErrUnavailable)), domain.ErrStoreUnavailable)
	assert.ErrorIs(t, translateStoreError(context.DeadlineExceeded), domain.ErrStoreUnavailable)
	assert.ErrorIs(t, translateStoreError(store.ErrNegativeBalance), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, translateStoreError(fmt.Errorf("x: %w", store.ErrValueOutOfRange)), domain.ErrInvalidRequest)
	assert.ErrorIs(t, translateStoreError(errors.New("disk on fire")), domain.ErrUnexpected)
	assert.Equal(t, domain.ErrSourceNotFound, translateStoreError(domain.ErrSourceNotFound))
}

func TestTransfer_CreditPastBalanceLimitIsRejected(t *testing.T) {
	repo := seededLedger(t, time.Second, map[string]string{"x": "100", "y": "999999999999999999.50"})
	svc, _ := newTestService(t, repo, Options{})

	_, err := svc.Transfer(context.Background(), "x", "y", dec("1"))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	requireBalance(t, repo, "x", "100.00")
	requireBalance(t, repo, "y", "999999999999999999.50")
}
