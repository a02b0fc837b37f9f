package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedMember(t *testing.T, s *sqlite.Store, id string) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateMember(ctx, ledger.Member{
		ID: ledger.MemberID(id), GroupID: "grp-1", Name: "Member " + id, Phone: "250788123456", Active: true, CreatedAt: now,
	}))
	w := ledger.Wallet{
		ID: ledger.WalletID("w-" + id), MemberID: ledger.MemberID(id), Balance: decimal.Zero,
		Currency: "RWF", Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateWallet(ctx, w))
	return w
}

func d(s string) decimal.Decimal { return ledger.MustMoney(s) }

// =============================================================================
// WALLETS
// =============================================================================

func TestStore_UpdateWalletBalance_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")

	require.NoError(t, s.UpdateWalletBalance(ctx, w.ID, 0, d("100.50")))

	err := s.UpdateWalletBalance(ctx, w.ID, 0, d("200"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentUpdateConflict)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("100.50")))
	assert.Equal(t, int64(1), got.Version)

	err = s.UpdateWalletBalance(ctx, "missing", 0, d("1"))
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestStore_CreateWallet_Constraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMember(t, s, "m-1")

	err := s.CreateWallet(ctx, ledger.Wallet{ID: "w-other", MemberID: "m-1", Currency: "RWF", Active: true})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists, "one wallet per member")

	err = s.CreateWallet(ctx, ledger.Wallet{ID: "w-ghost", MemberID: "ghost", Currency: "RWF", Active: true})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)

	err = s.CreateMember(ctx, ledger.Member{ID: "m-1", GroupID: "grp-1", Name: "dup"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
}

func TestStore_ListGroupMembers_ActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMember(t, s, "m-1")
	require.NoError(t, s.CreateMember(ctx, ledger.Member{ID: "m-2", GroupID: "grp-1", Name: "Inactive"}))
	require.NoError(t, s.CreateMember(ctx, ledger.Member{ID: "m-3", GroupID: "grp-2", Name: "Other", Active: true}))

	active, err := s.ListGroupMembers(ctx, "grp-1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.MemberID("m-1"), active[0].ID)
	assert.Equal(t, "250788123456", active[0].Phone)

	all, err := s.ListGroupMembers(ctx, "grp-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestStore_EngineApply_PersistsLedger(t *testing.T) {
	// GIVEN: A SQLite-backed engine and an empty wallet
	// WHEN: Crediting 1000 and debiting 250.25
	// THEN: Balance, version and transaction history are persisted

	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")
	e := ledger.NewEngine(s)

	_, err := e.Apply(ctx, w.ID, d("1000"), ledger.Credit, ledger.TxTopup, ledger.Metadata{Reference: "TOPUP-1"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, w.ID, d("250.25"), ledger.Debit, ledger.TxCashout, ledger.Metadata{InitiatedBy: ledger.ActorGroupAdmin})
	require.NoError(t, err)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("749.75")))
	assert.Equal(t, int64(2), got.Version)

	txs, err := s.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxTopup, txs[0].Type)
	assert.Equal(t, "TOPUP-1", txs[0].Reference)
	assert.Equal(t, ledger.Debit, txs[1].Direction)
	assert.Equal(t, ledger.ActorGroupAdmin, txs[1].InitiatedBy)
	assert.NotNil(t, txs[1].ProcessedAt)
	for _, tx := range txs {
		assert.True(t, tx.Consistent(), "tx %s", tx.ID)
	}
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")
	e := ledger.NewEngine(s)

	boom := errors.New("boom")
	err := e.Atomically(ctx, func(u *ledger.Unit) error {
		if _, err := u.Apply(ctx, w.ID, d("500"), ledger.Credit, ledger.TxTopup, ledger.Metadata{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	txs, err := s.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")
	e := ledger.NewEngine(s)
	_, err := e.Apply(ctx, w.ID, d("300"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(ctx, w.ID, d("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, insufficient)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

// =============================================================================
// TRANSACTION STATUS
// =============================================================================

func TestStore_PendingTransaction_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")
	e := ledger.NewEngine(s)
	_, err := e.Apply(ctx, w.ID, d("1000"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)

	pending, err := e.Apply(ctx, w.ID, d("400"), ledger.Debit, ledger.TxMobileMoney, ledger.Metadata{
		Status: ledger.StatusPending, Reference: "MM-1",
	})
	require.NoError(t, err)

	stale, err := s.ListStalePending(ctx, ledger.TxMobileMoney, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, s.SetProviderRef(ctx, pending.ID, "MOPAY-42"))
	stale, err = s.ListStalePending(ctx, ledger.TxMobileMoney, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale, "provider ref excludes it from the stale sweep")

	byRef, err := s.GetTransactionByProviderRef(ctx, "MOPAY-42")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, byRef.ID)

	require.NoError(t, s.TransitionTransaction(ctx, pending.ID, ledger.StatusPending, ledger.StatusCompleted, time.Now()))
	err = s.TransitionTransaction(ctx, pending.ID, ledger.StatusPending, ledger.StatusFailed, time.Now())
	assert.ErrorIs(t, err, ledger.ErrStatusConflict)

	_, err = s.GetTransactionByProviderRef(ctx, "unknown")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestStore_CompensatesAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedMember(t, s, "m-1")
	e := ledger.NewEngine(s)
	_, err := e.Apply(ctx, w.ID, d("100"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)
	orig, err := e.Apply(ctx, w.ID, d("50"), ledger.Debit, ledger.TxMobileMoney, ledger.Metadata{Status: ledger.StatusPending})
	require.NoError(t, err)

	_, err = e.Apply(ctx, w.ID, d("50"), ledger.Credit, ledger.TxAdjustment, ledger.Metadata{Compensates: orig.ID})
	require.NoError(t, err)
	_, err = e.Apply(ctx, w.ID, d("50"), ledger.Credit, ledger.TxAdjustment, ledger.Metadata{Compensates: orig.ID})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("100")))
}

// =============================================================================
// DEDUCTION RULES & OUTCOMES
// =============================================================================

func TestStore_Outcomes_OneDeductionPerDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMember(t, s, "m-1")
	now := time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC)

	rule := ledger.DeductionRule{
		ID: "r-1", GroupID: "grp-1", Name: "Monthly savings", Kind: ledger.RuleFixedAmount,
		Amount: d("100"), RunDay: 5, Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	day := ledger.DateOnly(now)
	success := ledger.OutcomeLog{
		ID: "o-1", RuleID: "r-1", MemberID: "m-1", WalletID: "w-m-1", ScheduledDate: day, RunAt: now,
		AmountAttempted: d("100"), AmountDeducted: d("100"), Status: ledger.OutcomeSuccess,
	}
	require.NoError(t, s.AppendOutcome(ctx, success))

	dup := success
	dup.ID = "o-2"
	dup.Status = ledger.OutcomePartial
	assert.ErrorIs(t, s.AppendOutcome(ctx, dup), ledger.ErrAlreadyExists)

	skipped := success
	skipped.ID = "o-3"
	skipped.Status = ledger.OutcomeSkipped
	skipped.AmountDeducted = decimal.Zero
	skipped.Note = "already deducted"
	require.NoError(t, s.AppendOutcome(ctx, skipped))

	done, err := s.HasDeducted(ctx, "r-1", "m-1", day.Add(10*time.Hour))
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.HasDeducted(ctx, "r-1", "m-1", day.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.False(t, done)

	byRule, err := s.ListOutcomesByRule(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, byRule, 2)
	assert.Equal(t, "already deducted", byRule[1].Note)
	assert.True(t, byRule[0].ScheduledDate.Equal(day))

	byGroup, err := s.ListOutcomesByGroup(ctx, "grp-1")
	require.NoError(t, err)
	assert.Len(t, byGroup, 2)
}

func TestStore_SaveRule_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rule := ledger.DeductionRule{
		ID: "r-1", GroupID: "grp-1", Name: "Savings", Kind: ledger.RulePercentageOfBalance,
		Percentage: d("10"), RunDay: 1, Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveRule(ctx, rule))
	rule.Active = false
	rule.Percentage = d("12.5")
	require.NoError(t, s.SaveRule(ctx, rule))

	got, err := s.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Percentage.Equal(d("12.5")))

	active, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetRule(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
}

// =============================================================================
// WITHDRAWALS & POLICIES
// =============================================================================

func TestStore_WithdrawalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateWithdrawal(ctx, ledger.WithdrawalRequest{
		ID: "wd-1", MemberID: "m-1", WalletID: "w-m-1", TransactionID: "tx-1", Amount: d("500"),
		Phone: "250788123456", Status: ledger.WithdrawalPending, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, s.TransitionWithdrawal(ctx, "wd-1",
		[]ledger.WithdrawalStatus{ledger.WithdrawalPending},
		ledger.WithdrawalUpdate{Status: ledger.WithdrawalProcessing, ReferenceNumber: "MOPAY-1"}))

	approvedAt := now.Add(time.Minute)
	require.NoError(t, s.TransitionWithdrawal(ctx, "wd-1",
		[]ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing},
		ledger.WithdrawalUpdate{Status: ledger.WithdrawalApproved, ApprovedBy: "mopay_system", ApprovedAt: &approvedAt}))

	got, err := s.GetWithdrawalByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalApproved, got.Status)
	assert.Equal(t, "MOPAY-1", got.ReferenceNumber, "reference kept when update leaves it empty")
	assert.Equal(t, "mopay_system", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	err = s.TransitionWithdrawal(ctx, "wd-1",
		[]ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing},
		ledger.WithdrawalUpdate{Status: ledger.WithdrawalRejected})
	assert.ErrorIs(t, err, ledger.ErrStatusConflict)

	_, err = s.GetWithdrawal(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrWithdrawalNotFound)
}

func TestStore_GroupPolicy_DefaultAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetGroupPolicy(ctx, "grp-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultGroupPolicy("grp-1"), p)

	limit := d("5000")
	p.AllowGroupUserCashout = false
	p.MaxWithdrawalAmount = &limit
	p.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.SaveGroupPolicy(ctx, p))

	got, err := s.GetGroupPolicy(ctx, "grp-1")
	require.NoError(t, err)
	assert.False(t, got.AllowGroupUserCashout)
	assert.Nil(t, got.MaxCashoutAmount)
	require.NotNil(t, got.MaxWithdrawalAmount)
	assert.True(t, got.MaxWithdrawalAmount.Equal(limit))
}
