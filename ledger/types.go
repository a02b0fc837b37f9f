/*
Package ledger provides the wallet ledger engine for savings groups.

PURPOSE:
  Every member of a savings group owns one wallet. Every change to a wallet
  balance is recorded as an immutable Transaction. The Engine in engine.go is
  the only writer of wallet balances; deductions, withdrawals, top-ups and
  cash-outs all go through it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: current balance of one member (non-negative, 2 decimal places)
  - Transaction: immutable record of one balance change
  - Closed enums for transaction type, direction, status and actor

DESIGN PRINCIPLES:
  1. Immutability: completed transactions are never edited, only compensated
  2. Precision: decimal.Decimal everywhere, never float64
  3. Type safety: string-backed IDs so wallet and member IDs cannot be mixed

SEE ALSO:
  - records.go: rules, outcome logs, withdrawal requests, group policies
  - engine.go: the balance-mutation contract
  - store.go: persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type GroupID string
type WalletID string
type TransactionID string

// =============================================================================
// ENUMS
// =============================================================================

// TxType is the closed set of ledger entry kinds.
type TxType string

const (
	TxTopup       TxType = "topup"
	TxCashout     TxType = "cashout"
	TxDeduction   TxType = "deduction"
	TxWithdrawal  TxType = "withdrawal"
	TxMobileMoney TxType = "mobile_money_transfer"
	TxAdjustment  TxType = "adjustment" // compensation of an earlier entry
)

func (t TxType) Valid() bool {
	switch t {
	case TxTopup, TxCashout, TxDeduction, TxWithdrawal, TxMobileMoney, TxAdjustment:
		return true
	}
	return false
}

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Opposite returns the direction that undoes d.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

func (s TxStatus) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusFailed
}

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Actor identifies who initiated a ledger operation.
type Actor string

const (
	ActorSystem     Actor = "system"
	ActorGroupAdmin Actor = "group_admin"
	ActorGroupUser  Actor = "group_user"
	ActorMember     Actor = "member"
	ActorSuperAdmin Actor = "super_admin"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorSystem, ActorGroupAdmin, ActorGroupUser, ActorMember, ActorSuperAdmin:
		return true
	}
	return false
}

// =============================================================================
// MEMBER & WALLET
// =============================================================================

type Member struct {
	ID        MemberID
	GroupID   GroupID
	Name      string
	Phone     string
	Active    bool
	CreatedAt time.Time
}

// Wallet holds the current balance of one member.
//
// INVARIANT: Balance >= 0. Version increments on every balance write and is
// used by stores for compare-and-swap.
type Wallet struct {
	ID        WalletID
	MemberID  MemberID
	Balance   decimal.Decimal
	Currency  string
	Active    bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Immutable record of one balance change
// =============================================================================

// Transaction records one balance change.
//
// INVARIANTS:
//   - Amount > 0
//   - credit: BalanceAfter = BalanceBefore + Amount
//   - debit:  BalanceAfter = BalanceBefore - Amount
//   - BalanceAfter >= 0
//
// Only Status, ProviderRef and ProcessedAt may change, and only while
// Status is pending.
type Transaction struct {
	ID            TransactionID
	WalletID      WalletID
	MemberID      MemberID
	Type          TxType
	Amount        decimal.Decimal
	Direction     Direction
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        TxStatus
	Reference     string
	Description   string
	CreatedBy     string
	InitiatedBy   Actor

	// Compensates is set on adjustment entries and points at the entry
	// they reverse.
	Compensates TransactionID

	// ProviderRef is the external payment provider's transaction id.
	ProviderRef string

	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Signed returns the amount with the sign of its direction.
func (t Transaction) Signed() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Consistent checks the balance equation of a single record.
func (t Transaction) Consistent() bool {
	if !t.Amount.IsPositive() || t.BalanceAfter.IsNegative() {
		return false
	}
	return t.BalanceBefore.Add(t.Signed()).Equal(t.BalanceAfter)
}
