package ledger_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/account-ledger/ledger"
	"github.com/arkantrust/account-ledger/models"
	"github.com/arkantrust/account-ledger/store"
)

var testNumber = models.MustAccountNumber("1001234567890")

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T, repo ledger.Repository, policy ledger.RetryPolicy) *ledger.Service {
	t.Helper()
	return ledger.NewService(repo, policy, zaptest.NewLogger(t))
}

func openAccount(t *testing.T, svc *ledger.Service, balance string) {
	t.Helper()
	_, err := svc.OpenAccount(context.Background(), testNumber, models.MustParseMoney(balance))
	require.NoError(t, err)
}

func money(s string) models.Money { return models.MustParseMoney(s) }

// assertLedger checks the ledger invariant and that version counts entries.
func assertLedger(t *testing.T, svc *ledger.Service) ([]models.Transaction, models.Account) {
	t.Helper()
	ctx := context.Background()

	account, err := svc.GetAccount(ctx, testNumber)
	require.NoError(t, err)
	items, err := svc.ListTransactions(ctx, testNumber)
	require.NoError(t, err)

	assert.NoError(t, models.VerifyLedger(account.OpeningBalance(), items, account.Balance()))
	assert.Equal(t, int64(len(items)), account.Version())
	return items, account
}

// countingRepo counts commits and can force revision conflicts.
type countingRepo struct {
	ledger.Repository
	commits      atomic.Int32
	alwaysCommit bool
}

func (r *countingRepo) Commit(ctx context.Context, c ledger.Commit) error {
	r.commits.Add(1)
	if !r.alwaysCommit {
		return ledger.ErrVersionConflict
	}
	return r.Repository.Commit(ctx, c)
}

func TestDepositThenWithdraw(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "1500000.00")
	ctx := context.Background()

	dep, err := svc.Deposit(ctx, testNumber, money("100.00"), "salary", "")
	require.NoError(t, err)
	assert.False(t, dep.Replayed)
	assert.Equal(t, "1500100.00", dep.Transaction.BalanceAfter.String())

	wd, err := svc.Withdraw(ctx, testNumber, money("50100.00"), "ATM", "")
	require.NoError(t, err)
	assert.Equal(t, "1450000.00", wd.Transaction.BalanceAfter.String())

	_, err = svc.Withdraw(ctx, testNumber, money("2000000.00"), "too much", "")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	items, account := assertLedger(t, svc)
	assert.Len(t, items, 2)
	assert.Equal(t, int64(2), account.Version())
	assert.Equal(t, "1450000.00", account.Balance().String())

	got, err := svc.GetTransaction(ctx, wd.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionWithdraw, got.Type)
}

func TestUnknownAccount(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, testNumber, money("1.00"), "x", "key")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = svc.GetBalance(ctx, testNumber)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = svc.ListTransactions(ctx, testNumber)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = svc.UpdateStatus(ctx, testNumber, models.StatusFrozen)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = svc.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrTransactionNotFound)
}

func TestIdempotentReplay(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "0.00")
	ctx := context.Background()

	first, err := svc.Deposit(ctx, testNumber, money("10.00"), "salary", "k-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, "k-1", first.Transaction.IdempotencyKey)

	second, err := svc.Deposit(ctx, testNumber, money("10.00"), "salary", "k-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, first.Transaction.BalanceAfter.Equal(second.Transaction.BalanceAfter))

	// The same key on another operation or amount is not a replay.
	_, err = svc.Deposit(ctx, testNumber, money("11.00"), "salary", "k-1")
	assert.ErrorIs(t, err, models.ErrDuplicateRequest)
	_, err = svc.Withdraw(ctx, testNumber, money("10.00"), "salary", "k-1")
	assert.ErrorIs(t, err, models.ErrDuplicateRequest)

	// Requests without a key are never deduplicated.
	_, err = svc.Deposit(ctx, testNumber, money("10.00"), "salary", "")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, testNumber, money("10.00"), "salary", "")
	require.NoError(t, err)

	items, account := assertLedger(t, svc)
	assert.Len(t, items, 3)
	assert.Equal(t, "30.00", account.Balance().String())
}

func TestFailedRequestDoesNotConsumeKey(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "5.00")
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, testNumber, money("10.00"), "x", "k-1")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = svc.Deposit(ctx, testNumber, money("10.00"), "x", "k-2")
	require.NoError(t, err)

	res, err := svc.Withdraw(ctx, testNumber, money("10.00"), "x", "k-1")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "5.00", res.Transaction.BalanceAfter.String())
}

func TestConcurrentDeposits(t *testing.T) {
	const n = 20

	policy := ledger.RetryPolicy{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	svc := newTestService(t, newTestStore(t), policy)
	openAccount(t, svc, "0.00")

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := svc.Deposit(context.Background(), testNumber, money("10.00"), "load", "")
			return err
		})
	}
	require.NoError(t, g.Wait())

	items, account := assertLedger(t, svc)
	assert.Len(t, items, n)
	assert.Equal(t, "200.00", account.Balance().String())
	assert.Equal(t, int64(n), account.Version())
}

func TestConcurrentSameKey(t *testing.T) {
	const n = 10

	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "0.00")

	results := make([]ledger.Result, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := svc.Deposit(context.Background(), testNumber, money("25.00"), "retry storm", "storm")
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, res := range results {
		if !res.Replayed {
			fresh++
		}
		assert.Equal(t, results[0].Transaction.ID, res.Transaction.ID)
	}
	assert.Equal(t, 1, fresh)

	items, account := assertLedger(t, svc)
	assert.Len(t, items, 1)
	assert.Equal(t, "25.00", account.Balance().String())
}

func TestConcurrentStatusChangeAndDeposits(t *testing.T) {
	const n = 10

	policy := ledger.RetryPolicy{MaxAttempts: n + 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	svc := newTestService(t, newTestStore(t), policy)
	openAccount(t, svc, "0.00")

	var (
		g        errgroup.Group
		accepted atomic.Int32
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := svc.Deposit(context.Background(), testNumber, money("1.00"), "x", "")
			if err == nil {
				accepted.Add(1)
				return nil
			}
			assert.ErrorIs(t, err, models.ErrInactiveAccount)
			return nil
		})
	}
	g.Go(func() error {
		_, err := svc.UpdateStatus(context.Background(), testNumber, models.StatusFrozen)
		return err
	})
	require.NoError(t, g.Wait())

	items, account := assertLedger(t, svc)
	assert.Equal(t, models.StatusFrozen, account.Status())
	assert.Len(t, items, int(accepted.Load()))
}

func TestStatusChangeKeepsVersion(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "10.00")
	ctx := context.Background()

	_, err := svc.Deposit(ctx, testNumber, money("1.00"), "x", "")
	require.NoError(t, err)

	account, err := svc.UpdateStatus(ctx, testNumber, models.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, account.Status())
	assert.Equal(t, int64(1), account.Version())
	assert.Equal(t, "11.00", account.Balance().String())

	_, err = svc.Withdraw(ctx, testNumber, money("1.00"), "x", "k")
	assert.ErrorIs(t, err, models.ErrInactiveAccount)

	_, err = svc.UpdateStatus(ctx, testNumber, "CLOSED")
	assert.ErrorIs(t, err, models.ErrInvalidStatus)

	balance, err := svc.GetBalance(ctx, testNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, balance.Status)
	assert.Equal(t, "11.00", balance.AvailableBalance.String())
	assert.True(t, balance.HoldAmount.IsZero())
}

func TestRetriesExhausted(t *testing.T) {
	base := newTestStore(t)
	repo := &countingRepo{Repository: base}
	policy := ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	svc := newTestService(t, repo, policy)
	openAccount(t, svc, "10.00")

	_, err := svc.Deposit(context.Background(), testNumber, money("1.00"), "x", "k")
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, int32(3), repo.commits.Load())

	// Nothing was applied and the key stays unused.
	snap, err := base.LoadAccount(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, "10.00", snap.Account.Balance().String())
	_, found, err := base.FindIdempotencyRecord(context.Background(), testNumber, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	repo := &countingRepo{Repository: newTestStore(t), alwaysCommit: true}
	svc := newTestService(t, repo, ledger.DefaultRetryPolicy())
	openAccount(t, svc, "10.00")

	_, err := svc.Withdraw(context.Background(), testNumber, money("20.00"), "x", "")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, int32(0), repo.commits.Load())

	_, err = svc.Deposit(context.Background(), testNumber, money("1.00"), "x", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.commits.Load())
}

func TestOpenAccountTwice(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "0.00")

	_, err := svc.OpenAccount(context.Background(), testNumber, models.Zero)
	assert.ErrorIs(t, err, models.ErrAccountExists)
}

func TestPurgeIdempotencyRecords(t *testing.T) {
	svc := newTestService(t, newTestStore(t), ledger.DefaultRetryPolicy())
	openAccount(t, svc, "0.00")
	ctx := context.Background()

	first, err := svc.Deposit(ctx, testNumber, money("1.00"), "x", "k")
	require.NoError(t, err)

	n, err := svc.PurgeIdempotencyRecords(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(2 * time.Millisecond)
	n, err = svc.PurgeIdempotencyRecords(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Once purged, the key is treated as new.
	second, err := svc.Deposit(ctx, testNumber, money("1.00"), "x", "k")
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Transaction.ID, second.Transaction.ID)

	// The ledger itself is never purged.
	_, err = svc.GetTransaction(ctx, first.Transaction.ID)
	assert.NoError(t, err)
}

func TestRunRetentionSweep(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, ledger.DefaultRetryPolicy())
	openAccount(t, svc, "0.00")

	_, err := svc.Deposit(context.Background(), testNumber, money("1.00"), "x", "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunRetentionSweep(ctx, time.Nanosecond, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, found, err := s.FindIdempotencyRecord(context.Background(), testNumber, "k")
		return err == nil && !found
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancel")
	}
}

func TestGuardRejectsMutationWithoutTransaction(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, ledger.DefaultRetryPolicy())
	openAccount(t, svc, "10.00")

	logger := zaptest.NewLogger(t)
	guard := ledger.NewGuard(s, ledger.NewController(s, ledger.DefaultRetryPolicy(), logger), logger)
	freeze := func(a *models.Account) (*models.Transaction, error) {
		a.Freeze()
		return nil, nil
	}

	for _, key := range []string{"", "freeze-1"} {
		_, err := guard.Execute(context.Background(), testNumber, key, "FREEZE", freeze)
		assert.ErrorIs(t, err, ledger.ErrNoTransaction, key)
	}

	account, err := svc.GetAccount(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, account.Status())

	_, found, err := s.FindIdempotencyRecord(context.Background(), testNumber, "freeze-1")
	require.NoError(t, err)
	assert.False(t, found)
}
