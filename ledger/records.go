package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GROUP POLICY
// =============================================================================

// GroupPolicy holds per-group limits checked before money leaves a wallet.
// Nil limits mean "no limit".
type GroupPolicy struct {
	GroupID                      GroupID
	AllowGroupUserCashout        bool
	AllowMemberWithdrawal        bool
	MaxCashoutAmount             *decimal.Decimal
	MaxWithdrawalAmount          *decimal.Decimal
	RequireApprovalForWithdrawal bool
	UpdatedAt                    time.Time
}

// DefaultGroupPolicy is used for groups that never stored a policy.
func DefaultGroupPolicy(groupID GroupID) GroupPolicy {
	return GroupPolicy{
		GroupID:                      groupID,
		AllowGroupUserCashout:        true,
		AllowMemberWithdrawal:        true,
		RequireApprovalForWithdrawal: true,
	}
}

// =============================================================================
// DEDUCTION RULE & OUTCOME LOG
// =============================================================================

type RuleID string

type RuleKind string

const (
	RuleFixedAmount         RuleKind = "fixed_amount"
	RulePercentageOfBalance RuleKind = "percentage_of_balance"
)

func (k RuleKind) Valid() bool { return k == RuleFixedAmount || k == RulePercentageOfBalance }

// DeductionRule is a recurring monthly debit applied to every active member
// of a group. Read-only to the batch processor.
type DeductionRule struct {
	ID            RuleID
	GroupID       GroupID
	Name          string
	Kind          RuleKind
	Amount        decimal.Decimal // fixed_amount
	Percentage    decimal.Decimal // percentage_of_balance, 0-100
	TargetAccount string
	RunDay        int // day of month, 1-31
	Active        bool
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScheduledOn reports whether the rule runs on the given calendar day.
func (r DeductionRule) ScheduledOn(day int, force bool) bool {
	return r.Active && (force || r.RunDay == day)
}

type OutcomeStatus string

const (
	OutcomeSuccess             OutcomeStatus = "success"
	OutcomePartial             OutcomeStatus = "partial"
	OutcomeInsufficientBalance OutcomeStatus = "insufficient_balance"
	OutcomeFailed              OutcomeStatus = "failed"
	OutcomeSkipped             OutcomeStatus = "skipped"
)

// Deducted reports whether money moved for this outcome.
func (s OutcomeStatus) Deducted() bool { return s == OutcomeSuccess || s == OutcomePartial }

// OutcomeLog is the append-only audit row of one (rule, member, run) attempt.
type OutcomeLog struct {
	ID              string
	RuleID          RuleID
	MemberID        MemberID
	WalletID        WalletID // empty when the member has no wallet
	TransactionID   TransactionID
	ScheduledDate   time.Time // calendar date, UTC midnight
	RunAt           time.Time
	AmountAttempted decimal.Decimal
	AmountDeducted  decimal.Decimal
	Status          OutcomeStatus
	Note            string
}

// =============================================================================
// WITHDRAWAL REQUEST
// =============================================================================

type WithdrawalID string

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalRejected   WithdrawalStatus = "rejected"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalApproved || s == WithdrawalRejected || s == WithdrawalFailed
}

type WithdrawalRequest struct {
	ID              WithdrawalID
	MemberID        MemberID
	WalletID        WalletID
	TransactionID   TransactionID
	Amount          decimal.Decimal
	Phone           string
	Status          WithdrawalStatus
	ReferenceNumber string // provider transaction id
	Notes           string
	CreatedBy       string
	ApprovedBy      string
	ApprovedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WithdrawalUpdate carries the fields set by a withdrawal status transition.
// Empty strings leave the stored value unchanged.
type WithdrawalUpdate struct {
	Status          WithdrawalStatus
	ReferenceNumber string
	Notes           string
	ApprovedBy      string
	ApprovedAt      *time.Time
}
