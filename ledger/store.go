/*
store.go - Persistence interfaces for wallets, transactions and batch records

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: store/sqlite (embedded), store/postgres (production),
  ledger/store (in-memory, tests and dev).

KEY INTERFACES:
  WalletStore:     members, wallets, ledger transactions
  RuleStore:       deduction rules and their outcome logs
  WithdrawalStore: withdrawal requests
  PolicyStore:     group policies
  TxStore:         all of the above plus WithTx for atomic units

ATOMICITY:
  WithTx runs fn against a Store view bound to one database transaction.
  If fn returns an error everything it wrote is rolled back. The Engine
  uses this to make "read balance, write balance, insert transaction" one
  unit; the batch processor and the saga add their own writes (outcome
  logs, withdrawal requests) to the same unit.

SERIALIZATION:
  ReadWalletForUpdate must return the wallet under whatever lock the store
  uses for writers (row lock, exclusive transaction, mutex) so two
  concurrent debits never both see the same stale balance.
  UpdateWalletBalance is additionally a compare-and-swap on Version.

APPEND-ONLY CONTRACT:
  There is no UpdateTransaction or DeleteTransaction. A pending transaction
  may move to completed or failed exactly once (TransitionTransaction is a
  compare-and-set) and may have its provider reference attached while
  pending. Outcome logs are insert-only.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListGroupMembers(ctx context.Context, groupID GroupID, activeOnly bool) ([]Member, error)
	CreateMember(ctx context.Context, m Member) error

	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)
	GetWalletByMember(ctx context.Context, memberID MemberID) (*Wallet, error)
	CreateWallet(ctx context.Context, w Wallet) error

	// ReadWalletForUpdate reads a wallet under the writer lock.
	// Only meaningful inside WithTx.
	ReadWalletForUpdate(ctx context.Context, id WalletID) (*Wallet, error)

	// UpdateWalletBalance writes a new balance if the stored version still
	// equals expectedVersion, returning ErrConcurrentUpdateConflict otherwise.
	UpdateWalletBalance(ctx context.Context, id WalletID, expectedVersion int64, balance decimal.Decimal) error

	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error)

	// ListTransactions returns a wallet's transactions, oldest first.
	ListTransactions(ctx context.Context, walletID WalletID) ([]Transaction, error)

	// ListStalePending returns pending transactions of the given type that
	// have no provider reference and were created before the cutoff.
	ListStalePending(ctx context.Context, txType TxType, before time.Time) ([]Transaction, error)

	// SetProviderRef attaches a provider reference to a pending transaction.
	SetProviderRef(ctx context.Context, id TransactionID, providerRef string) error

	// TransitionTransaction moves a transaction from one status to another.
	// Returns ErrStatusConflict if the current status is not from.
	TransitionTransaction(ctx context.Context, id TransactionID, from, to TxStatus, processedAt time.Time) error
}

// =============================================================================
// RULE STORE
// =============================================================================

type RuleStore interface {
	SaveRule(ctx context.Context, r DeductionRule) error
	GetRule(ctx context.Context, id RuleID) (*DeductionRule, error)
	ListRules(ctx context.Context, groupID GroupID) ([]DeductionRule, error)
	ListActiveRules(ctx context.Context) ([]DeductionRule, error)

	AppendOutcome(ctx context.Context, o OutcomeLog) error
	ListOutcomesByRule(ctx context.Context, ruleID RuleID) ([]OutcomeLog, error)
	ListOutcomesByGroup(ctx context.Context, groupID GroupID) ([]OutcomeLog, error)

	// HasDeducted reports whether a success or partial outcome exists for
	// (rule, member, scheduled date).
	HasDeducted(ctx context.Context, ruleID RuleID, memberID MemberID, scheduled time.Time) (bool, error)
}

// =============================================================================
// WITHDRAWAL STORE
// =============================================================================

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error)
	GetWithdrawalByTransaction(ctx context.Context, txID TransactionID) (*WithdrawalRequest, error)

	// TransitionWithdrawal applies upd if the current status is one of from.
	// Returns ErrStatusConflict otherwise.
	TransitionWithdrawal(ctx context.Context, id WithdrawalID, from []WithdrawalStatus, upd WithdrawalUpdate) error
}

// =============================================================================
// POLICY STORE
// =============================================================================

type PolicyStore interface {
	// GetGroupPolicy returns the stored policy or DefaultGroupPolicy.
	GetGroupPolicy(ctx context.Context, groupID GroupID) (GroupPolicy, error)
	SaveGroupPolicy(ctx context.Context, p GroupPolicy) error
}

// =============================================================================
// COMBINED & TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	WalletStore
	RuleStore
	WithdrawalStore
	PolicyStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// DateOnly truncates t to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
