/*
engine.go - The wallet ledger engine

PURPOSE:
  The Engine is the only writer of wallet balances. Apply reads the wallet
  under the store's writer lock, computes the new balance, rejects anything
  that would go negative, and persists the balance together with exactly
  one new Transaction in a single atomic unit.

CRITICAL INVARIANTS:
  1. ATOMIC: balance write and transaction insert commit together or not at all
  2. NON-NEGATIVE: a debit larger than the balance fails with InsufficientFunds
  3. NO UNDO: compensation is a second Apply in the opposite direction with
     type adjustment; the engine never edits history

DEBIT POLICIES:
  The engine does not choose between full, partial or reject debits.
  Callers decide the amount before calling Apply:
    full    - amount == requested
    partial - amount == min(requested, balance)
    reject  - check the balance first and do not call Apply

RETRIES:
  ErrConcurrentUpdateConflict (a lost compare-and-swap on the wallet
  version) is retried up to MaxRetries times by re-running the whole unit.
  InvalidAmount and InsufficientFunds surface immediately.

COMPOSITION:
  Atomically gives callers a Unit bound to one store transaction so they can
  add their own writes (outcome logs, withdrawal requests, status changes)
  to the same commit as the balance change.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries bounds conflict retries of one atomic unit.
const DefaultMaxRetries = 3

// Observer receives engine events. metrics.Collector implements it.
// LedgerApplied fires once the unit holding the write has committed or
// rolled back; err is nil only for committed writes.
type Observer interface {
	LedgerApplied(txType TxType, dir Direction, err error)
	LedgerRetried()
}

// Metadata describes the non-monetary fields of a new transaction.
type Metadata struct {
	ID          TransactionID // generated when empty
	Status      TxStatus      // defaults to completed
	Reference   string
	Description string
	CreatedBy   string
	InitiatedBy Actor // defaults to system
	Compensates TransactionID
	ProviderRef string
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      TxStore
	maxRetries int
	now        func() time.Time
	log        logrus.FieldLogger
	observer   Observer
}

type Option func(*Engine)

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store for read-only queries.
func (e *Engine) Store() TxStore { return e.store }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Apply performs one balance change in its own atomic unit.
func (e *Engine) Apply(ctx context.Context, walletID WalletID, amount decimal.Decimal, dir Direction, txType TxType, meta Metadata) (*Transaction, error) {
	var out *Transaction
	err := e.Atomically(ctx, func(u *Unit) error {
		tx, err := u.Apply(ctx, walletID, amount, dir, txType, meta)
		if err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Atomically runs fn inside one store transaction, retrying the whole unit
// on ErrConcurrentUpdateConflict.
func (e *Engine) Atomically(ctx context.Context, fn func(u *Unit) error) error {
	for attempt := 0; ; attempt++ {
		u := &Unit{engine: e}
		err := e.store.WithTx(ctx, func(s Store) error {
			u.Store = s
			return fn(u)
		})
		u.report(err)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= e.maxRetries {
			e.log.WithError(err).WithField("attempts", attempt+1).Warn("ledger unit gave up after conflicts")
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if e.observer != nil {
			e.observer.LedgerRetried()
		}
		e.log.WithField("attempt", attempt+1).Debug("retrying ledger unit after concurrent update")
	}
}

// =============================================================================
// UNIT - One atomic scope
// =============================================================================

// Unit is the scope of one atomic ledger operation. Store writes made through
// it commit or roll back together with every Apply.
type Unit struct {
	Store  Store
	engine *Engine

	// written holds applies that reached the store; they are reported
	// once the unit commits or rolls back.
	written []appliedOp
}

type appliedOp struct {
	txType TxType
	dir    Direction
}

// report tells the observer how the unit's writes ended. A rolled-back
// unit reports its writes with the unit error.
func (u *Unit) report(err error) {
	if u.engine.observer == nil {
		return
	}
	for _, op := range u.written {
		u.engine.observer.LedgerApplied(op.txType, op.dir, err)
	}
	u.written = nil
}

// Now returns the engine clock.
func (u *Unit) Now() time.Time { return u.engine.now() }

// Apply computes and persists one balance change inside the unit.
func (u *Unit) Apply(ctx context.Context, walletID WalletID, amount decimal.Decimal, dir Direction, txType TxType, meta Metadata) (tx *Transaction, err error) {
	defer func() {
		switch {
		case err == nil:
			u.written = append(u.written, appliedOp{txType: txType, dir: dir})
		case u.engine.observer != nil:
			u.engine.observer.LedgerApplied(txType, dir, err)
		}
	}()

	if !amount.IsPositive() || !amount.Equal(Round(amount)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	if !txType.Valid() {
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	w, err := u.Store.ReadWalletForUpdate(ctx, walletID)
	if err != nil {
		return nil, err
	}
	// Compensations must land even on a deactivated wallet.
	if !w.Active && txType != TxAdjustment {
		return nil, fmt.Errorf("%w: %s", ErrWalletInactive, walletID)
	}

	before := w.Balance
	after := before.Add(amount)
	if dir == Debit {
		after = before.Sub(amount)
	}
	if after.IsNegative() {
		return nil, &InsufficientFundsError{WalletID: walletID, Available: before, Requested: amount}
	}

	if err := u.Store.UpdateWalletBalance(ctx, walletID, w.Version, after); err != nil {
		return nil, err
	}

	now := u.engine.now()
	rec := Transaction{
		ID:            meta.ID,
		WalletID:      w.ID,
		MemberID:      w.MemberID,
		Type:          txType,
		Amount:        amount,
		Direction:     dir,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        meta.Status,
		Reference:     meta.Reference,
		Description:   meta.Description,
		CreatedBy:     meta.CreatedBy,
		InitiatedBy:   meta.InitiatedBy,
		Compensates:   meta.Compensates,
		ProviderRef:   meta.ProviderRef,
		CreatedAt:     now,
	}
	if rec.ID == "" {
		rec.ID = TransactionID(uuid.NewString())
	}
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}
	if rec.InitiatedBy == "" {
		rec.InitiatedBy = ActorSystem
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = string(rec.InitiatedBy)
	}
	if rec.Status == StatusCompleted {
		rec.ProcessedAt = &now
	}

	if err := u.Store.InsertTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return &rec, nil
}

// Compensate reverses a pending transaction: it marks the original failed
// (compare-and-set) and applies an adjustment in the opposite direction for
// the same amount. Returns ErrDuplicateCallback if the original is no longer
// pending, in which case nothing is written.
func (u *Unit) Compensate(ctx context.Context, original *Transaction, description string) (*Transaction, error) {
	err := u.Store.TransitionTransaction(ctx, original.ID, StatusPending, StatusFailed, u.Now())
	if errors.Is(err, ErrStatusConflict) {
		return nil, fmt.Errorf("%w: transaction %s", ErrDuplicateCallback, original.ID)
	}
	if err != nil {
		return nil, err
	}
	ref := "REV-" + original.Reference
	if original.ProviderRef != "" {
		ref = "REV-" + original.ProviderRef
	}
	return u.Apply(ctx, original.WalletID, original.Amount, original.Direction.Opposite(), TxAdjustment, Metadata{
		Reference:   ref,
		Description: description,
		CreatedBy:   string(ActorSystem),
		InitiatedBy: ActorSystem,
		Compensates: original.ID,
	})
}

// OpenWallet creates a member and its wallet in one unit.
func (e *Engine) OpenWallet(ctx context.Context, m Member, currency string) (*Wallet, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	now := e.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	w := Wallet{
		ID:        WalletID(uuid.NewString()),
		MemberID:  m.ID,
		Balance:   decimal.Zero,
		Currency:  currency,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateMember(ctx, m); err != nil {
			return err
		}
		return s.CreateWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}
