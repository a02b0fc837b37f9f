package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/store/postgres"
)

// Runs only against a real database: TEST_DATABASE_URL=postgres://... go test ./store/postgres
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := postgres.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedWallet uses random ids so runs do not collide with earlier data.
func seedWallet(t *testing.T, e *ledger.Engine) *ledger.Wallet {
	t.Helper()
	w, err := e.OpenWallet(context.Background(), ledger.Member{
		ID:      ledger.MemberID("m-" + uuid.NewString()),
		GroupID: ledger.GroupID("grp-" + uuid.NewString()),
		Name:    "Test Member",
		Active:  true,
	}, "RWF")
	require.NoError(t, err)
	return w
}

func TestPostgres_ApplyAndCompensate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := ledger.NewEngine(s)
	w := seedWallet(t, e)

	_, err := e.Apply(ctx, w.ID, ledger.MustMoney("1000"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)
	pending, err := e.Apply(ctx, w.ID, ledger.MustMoney("500"), ledger.Debit, ledger.TxMobileMoney, ledger.Metadata{
		Status: ledger.StatusPending, Reference: "MM-test",
	})
	require.NoError(t, err)

	require.NoError(t, e.Atomically(ctx, func(u *ledger.Unit) error {
		_, err := u.Compensate(ctx, pending, "provider failed")
		return err
	}))

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(ledger.MustMoney("1000")))

	txs, err := s.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.StatusFailed, txs[1].Status)
	assert.Equal(t, pending.ID, txs[2].Compensates)
}

func TestPostgres_ConcurrentDebits_RowLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := ledger.NewEngine(s, ledger.WithMaxRetries(5))
	w := seedWallet(t, e)
	_, err := e.Apply(ctx, w.ID, ledger.MustMoney("500"), ledger.Credit, ledger.TxTopup, ledger.Metadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(ctx, w.ID, ledger.MustMoney("100"), ledger.Debit, ledger.TxCashout, ledger.Metadata{})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestPostgres_OutcomeOncePerDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ruleID := ledger.RuleID("r-" + uuid.NewString())

	require.NoError(t, s.SaveRule(ctx, ledger.DeductionRule{
		ID: ruleID, GroupID: "grp", Name: "Savings", Kind: ledger.RuleFixedAmount,
		Amount: ledger.MustMoney("100"), RunDay: 1, Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	o := ledger.OutcomeLog{
		ID: uuid.NewString(), RuleID: ruleID, MemberID: "m-1", ScheduledDate: ledger.DateOnly(now), RunAt: now,
		AmountAttempted: ledger.MustMoney("100"), AmountDeducted: ledger.MustMoney("100"), Status: ledger.OutcomeSuccess,
	}
	require.NoError(t, s.AppendOutcome(ctx, o))

	o.ID = uuid.NewString()
	assert.ErrorIs(t, s.AppendOutcome(ctx, o), ledger.ErrAlreadyExists)

	done, err := s.HasDeducted(ctx, ruleID, "m-1", now)
	require.NoError(t, err)
	assert.True(t, done)
}
