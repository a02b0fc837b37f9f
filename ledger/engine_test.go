package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

func newTestEngine(t *testing.T, s ledger.TxStore, opts ...ledger.Option) *ledger.Engine {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	return ledger.NewEngine(s, opts...)
}

// openFunded opens a wallet for memberID and tops it up with balance.
func openFunded(t *testing.T, e *ledger.Engine, memberID string, balance string) *ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.OpenWallet(ctx, ledger.Member{
		ID:      ledger.MemberID(memberID),
		GroupID: "grp-1",
		Name:    memberID,
		Phone:   "250788000000",
		Active:  true,
	}, "")
	require.NoError(t, err)
	if b := money(balance); b.IsPositive() {
		_, err = e.Apply(ctx, w.ID, b, ledger.Credit, ledger.TxTopup, ledger.Metadata{Reference: "seed"})
		require.NoError(t, err)
	}
	return w
}

func balanceOf(t *testing.T, s ledger.Store, id ledger.WalletID) decimal.Decimal {
	t.Helper()
	w, err := s.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return w.Balance
}

// faultyStore injects failures into the view handed to WithTx.
type faultyStore struct {
	*store.Memory
	failInsert error
	conflicts  int32
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(&faultyView{Store: s, parent: f})
	})
}

type faultyView struct {
	ledger.Store
	parent *faultyStore
}

func (v *faultyView) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	if v.parent.failInsert != nil {
		return v.parent.failInsert
	}
	return v.Store.InsertTransaction(ctx, tx)
}

func (v *faultyView) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, version int64, b decimal.Decimal) error {
	if atomic.AddInt32(&v.parent.conflicts, -1) >= 0 {
		return ledger.ErrConcurrentUpdateConflict
	}
	return v.Store.UpdateWalletBalance(ctx, id, version, b)
}

type countingObserver struct {
	applied atomic.Int32
	failed  atomic.Int32
	retried atomic.Int32
}

func (o *countingObserver) LedgerApplied(_ ledger.TxType, _ ledger.Direction, err error) {
	if err != nil {
		o.failed.Add(1)
		return
	}
	o.applied.Add(1)
}

func (o *countingObserver) LedgerRetried() { o.retried.Add(1) }

// =============================================================================
// APPLY
// =============================================================================

func TestApply_CreditThenDebit_ChainsBalances(t *testing.T) {
	// GIVEN: An empty wallet
	// WHEN: Crediting 1000 then debiting 400
	// THEN: Each transaction records before/after and the wallet holds 600

	e := newTestEngine(t, nil)
	ctx := context.Background()
	w := openFunded(t, e, "m-1", "0")

	credit, err := e.Apply(ctx, w.ID, money("1000"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)
	debit, err := e.Apply(ctx, w.ID, money("400"), ledger.Debit, ledger.TxCashout, ledger.Metadata{InitiatedBy: ledger.ActorGroupAdmin})
	require.NoError(t, err)

	assert.True(t, credit.BalanceBefore.IsZero())
	assert.True(t, credit.BalanceAfter.Equal(money("1000")))
	assert.True(t, debit.BalanceBefore.Equal(credit.BalanceAfter))
	assert.True(t, debit.BalanceAfter.Equal(money("600")))
	assert.True(t, debit.Consistent())
	assert.Equal(t, ledger.StatusCompleted, debit.Status)
	assert.NotNil(t, debit.ProcessedAt)
	assert.Equal(t, ledger.ActorGroupAdmin, debit.InitiatedBy)
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("600")))

	txs, err := e.Store().ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Signed())
	}
	assert.True(t, sum.Equal(money("600")), "balance equals sum of signed completed transactions")
}

func TestApply_InvalidAmount_Rejected(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	w := openFunded(t, e, "m-1", "100")

	for _, amt := range []string{"0", "-5", "1.005"} {
		d, _ := decimal.NewFromString(amt)
		_, err := e.Apply(ctx, w.ID, d, ledger.Debit, ledger.TxCashout, ledger.Metadata{})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, amt)
	}

	txs, err := e.Store().ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the seed credit exists")
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("100")))
}

func TestApply_InsufficientFunds_NoWrite(t *testing.T) {
	// GIVEN: A wallet with 150
	// WHEN: Debiting 200
	// THEN: InsufficientFundsError with available/requested, nothing written

	e := newTestEngine(t, nil)
	ctx := context.Background()
	w := openFunded(t, e, "m-1", "150")

	_, err := e.Apply(ctx, w.ID, money("200"), ledger.Debit, ledger.TxWithdrawal, ledger.Metadata{})

	var insuf *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insuf)
	assert.True(t, insuf.Available.Equal(money("150")))
	assert.True(t, insuf.Requested.Equal(money("200")))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, ledger.IsClientError(err))
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("150")))
}

func TestApply_DebitWholeBalance_LeavesZero(t *testing.T) {
	e := newTestEngine(t, nil)
	w := openFunded(t, e, "m-1", "150")

	tx, err := e.Apply(context.Background(), w.ID, money("150"), ledger.Debit, ledger.TxDeduction, ledger.Metadata{})
	require.NoError(t, err)
	assert.True(t, tx.BalanceAfter.IsZero())
}

func TestApply_UnknownWallet(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Apply(context.Background(), "nope", money("1"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

func TestApply_InactiveWallet_OnlyAdjustments(t *testing.T) {
	s := store.NewMemory()
	e := newTestEngine(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateMember(ctx, ledger.Member{ID: "m-1", GroupID: "g", Active: true}))
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{ID: "w-1", MemberID: "m-1", Balance: money("50"), Currency: "RWF"}))

	_, err := e.Apply(ctx, "w-1", money("10"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})
	assert.ErrorIs(t, err, ledger.ErrWalletInactive)

	_, err = e.Apply(ctx, "w-1", money("10"), ledger.Credit, ledger.TxAdjustment, ledger.Metadata{})
	assert.NoError(t, err)
}

// =============================================================================
// ATOMICITY & RETRIES
// =============================================================================

func TestApply_InsertFails_BalanceRolledBack(t *testing.T) {
	// GIVEN: A store whose transaction insert fails after the balance write
	// WHEN: Applying a debit
	// THEN: The error surfaces and the balance is unchanged

	fs := &faultyStore{Memory: store.NewMemory()}
	e := newTestEngine(t, fs)
	w := openFunded(t, e, "m-1", "500")

	fs.failInsert = errors.New("disk full")
	_, err := e.Apply(context.Background(), w.ID, money("200"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, balanceOf(t, fs, w.ID).Equal(money("500")))
	txs, _ := fs.ListTransactions(context.Background(), w.ID)
	assert.Len(t, txs, 1)
}

func TestApply_ConflictRetried(t *testing.T) {
	fs := &faultyStore{Memory: store.NewMemory()}
	obs := &countingObserver{}
	e := newTestEngine(t, fs, ledger.WithMaxRetries(3), ledger.WithObserver(obs))
	w := openFunded(t, e, "m-1", "500")
	obs.retried.Store(0)

	fs.conflicts = 2
	tx, err := e.Apply(context.Background(), w.ID, money("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})

	require.NoError(t, err)
	assert.True(t, tx.BalanceAfter.Equal(money("400")))
	assert.Equal(t, int32(2), obs.retried.Load())
}

func TestObserver_RolledBackUnitNotCountedAsApplied(t *testing.T) {
	// GIVEN: A funded wallet and an observer
	// WHEN: A unit debits the wallet and then fails before commit
	// THEN: The debit is reported with the unit error, never as applied

	obs := &countingObserver{}
	e := newTestEngine(t, nil, ledger.WithObserver(obs))
	w := openFunded(t, e, "m-1", "500")
	obs.applied.Store(0)

	boom := errors.New("outcome write failed")
	err := e.Atomically(context.Background(), func(u *ledger.Unit) error {
		if _, err := u.Apply(context.Background(), w.ID, money("100"), ledger.Debit, ledger.TxDeduction, ledger.Metadata{}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), obs.applied.Load())
	assert.Equal(t, int32(1), obs.failed.Load())
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("500")))
}

func TestObserver_ConflictRetryCountsOneApply(t *testing.T) {
	// GIVEN: A store that conflicts twice before accepting the write
	// WHEN: Applying one debit
	// THEN: Exactly one committed apply is reported

	fs := &faultyStore{Memory: store.NewMemory()}
	obs := &countingObserver{}
	e := newTestEngine(t, fs, ledger.WithObserver(obs))
	w := openFunded(t, e, "m-1", "500")
	obs.applied.Store(0)
	obs.failed.Store(0)

	fs.conflicts = 2
	_, err := e.Apply(context.Background(), w.ID, money("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})

	require.NoError(t, err)
	assert.Equal(t, int32(1), obs.applied.Load())
	assert.Equal(t, int32(2), obs.failed.Load())
}

func TestApply_ConflictRetriesExhausted(t *testing.T) {
	fs := &faultyStore{Memory: store.NewMemory()}
	e := newTestEngine(t, fs, ledger.WithMaxRetries(2))
	w := openFunded(t, e, "m-1", "500")

	fs.conflicts = 10
	_, err := e.Apply(context.Background(), w.ID, money("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})

	assert.ErrorIs(t, err, ledger.ErrConcurrentUpdateConflict)
	assert.True(t, ledger.IsRetryable(err))
	assert.True(t, balanceOf(t, fs, w.ID).Equal(money("500")))
}

func TestApply_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: A wallet with 500
	// WHEN: 10 goroutines each debit 100 at once
	// THEN: Exactly 5 succeed and the balance ends at zero

	e := newTestEngine(t, nil)
	w := openFunded(t, e, "m-1", "500")

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(context.Background(), w.ID, money("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(5), insufficient.Load())
	assert.True(t, balanceOf(t, e.Store(), w.ID).IsZero())
}

func TestAtomically_MultipleWritesRollBackTogether(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	w := openFunded(t, e, "m-1", "300")

	err := e.Atomically(ctx, func(u *ledger.Unit) error {
		if _, err := u.Apply(ctx, w.ID, money("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{}); err != nil {
			return err
		}
		_, err := u.Apply(ctx, w.ID, money("500"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})
		return err
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("300")), "first debit rolled back")
}

// =============================================================================
// COMPENSATION
// =============================================================================

func TestCompensate_RestoresBalanceOnce(t *testing.T) {
	// GIVEN: A pending 500 debit from a 1000 wallet
	// WHEN: Compensating it twice
	// THEN: One adjustment restores 1000; the second attempt is a duplicate

	e := newTestEngine(t, nil)
	ctx := context.Background()
	w := openFunded(t, e, "m-1", "1000")

	pending, err := e.Apply(ctx, w.ID, money("500"), ledger.Debit, ledger.TxMobileMoney, ledger.Metadata{
		Status:    ledger.StatusPending,
		Reference: "MM-1",
	})
	require.NoError(t, err)
	assert.Nil(t, pending.ProcessedAt)

	var adj *ledger.Transaction
	err = e.Atomically(ctx, func(u *ledger.Unit) error {
		adj, err = u.Compensate(ctx, pending, "reversal")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAdjustment, adj.Type)
	assert.Equal(t, ledger.Credit, adj.Direction)
	assert.Equal(t, pending.ID, adj.Compensates)
	assert.Equal(t, "REV-MM-1", adj.Reference)
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("1000")))

	orig, err := e.Store().GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, orig.Status)

	err = e.Atomically(ctx, func(u *ledger.Unit) error {
		_, err := u.Compensate(ctx, pending, "reversal")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateCallback)
	assert.True(t, balanceOf(t, e.Store(), w.ID).Equal(money("1000")))
}

// =============================================================================
// OPEN WALLET
// =============================================================================

func TestOpenWallet_DuplicateMember(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	openFunded(t, e, "m-1", "0")

	_, err := e.OpenWallet(ctx, ledger.Member{ID: "m-1", GroupID: "grp-1", Active: true}, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
}

func TestOpenWallet_Defaults(t *testing.T) {
	e := newTestEngine(t, nil)
	w := openFunded(t, e, "m-1", "0")

	assert.Equal(t, ledger.DefaultCurrency, w.Currency)
	assert.True(t, w.Active)
	assert.True(t, w.Balance.IsZero())

	got, err := e.Store().GetWalletByMember(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}
