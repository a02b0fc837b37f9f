/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Requests accept amounts as JSON numbers or strings (decimal.Decimal).
  Responses always render amounts as strings with two decimal places so
  clients never round through float64.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
)

// =============================================================================
// MEMBERS & WALLETS
// =============================================================================

type CreateMemberRequest struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Currency string `json:"currency"`
}

type MemberDTO struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"group_id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone,omitempty"`
	Active    bool       `json:"active"`
	Wallet    *WalletDTO `json:"wallet,omitempty"`
	CreatedAt string     `json:"created_at,omitempty"`
}

type WalletDTO struct {
	ID        string `json:"id"`
	MemberID  string `json:"member_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updated_at"`
}

func toWalletDTO(w *ledger.Wallet) *WalletDTO {
	if w == nil {
		return nil
	}
	return &WalletDTO{
		ID:        string(w.ID),
		MemberID:  string(w.MemberID),
		Balance:   ledger.FormatMoney(w.Balance),
		Currency:  w.Currency,
		Active:    w.Active,
		UpdatedAt: w.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID            string  `json:"id"`
	WalletID      string  `json:"wallet_id"`
	MemberID      string  `json:"member_id"`
	Type          string  `json:"transaction_type"`
	Amount        string  `json:"amount"`
	Direction     string  `json:"direction"`
	BalanceBefore string  `json:"balance_before"`
	BalanceAfter  string  `json:"balance_after"`
	Status        string  `json:"status"`
	Reference     string  `json:"reference,omitempty"`
	Description   string  `json:"description,omitempty"`
	CreatedBy     string  `json:"created_by,omitempty"`
	InitiatedBy   string  `json:"initiated_by"`
	Compensates   string  `json:"compensates,omitempty"`
	ProviderRef   string  `json:"provider_reference,omitempty"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func toTransactionDTO(tx *ledger.Transaction) *TransactionDTO {
	if tx == nil {
		return nil
	}
	dto := &TransactionDTO{
		ID:            string(tx.ID),
		WalletID:      string(tx.WalletID),
		MemberID:      string(tx.MemberID),
		Type:          string(tx.Type),
		Amount:        ledger.FormatMoney(tx.Amount),
		Direction:     string(tx.Direction),
		BalanceBefore: ledger.FormatMoney(tx.BalanceBefore),
		BalanceAfter:  ledger.FormatMoney(tx.BalanceAfter),
		Status:        string(tx.Status),
		Reference:     tx.Reference,
		Description:   tx.Description,
		CreatedBy:     tx.CreatedBy,
		InitiatedBy:   string(tx.InitiatedBy),
		Compensates:   string(tx.Compensates),
		ProviderRef:   tx.ProviderRef,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.ProcessedAt != nil {
		s := tx.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &s
	}
	return dto
}

// TopUpRequest credits a wallet over the counter.
type TopUpRequest struct {
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
	InitiatedBy string          `json:"initiated_by"`
}

// CashOutRequest debits a wallet over the counter.
type CashOutRequest struct {
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
	InitiatedBy string          `json:"initiated_by"`
	UserRole    string          `json:"user_role"`
}

// =============================================================================
// MOBILE MONEY
// =============================================================================

type WithdrawRequest struct {
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Phone       string          `json:"phone"`
	CreatedBy   string          `json:"created_by"`
	InitiatedBy string          `json:"initiated_by"`
}

type WithdrawResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id"`
	ProviderTxnID string `json:"mopay_transaction_id"`
	Status        string `json:"status"`
	Balance       string `json:"balance"`
}

type WithdrawalDTO struct {
	ID              string  `json:"id"`
	MemberID        string  `json:"member_id"`
	WalletID        string  `json:"wallet_id"`
	TransactionID   string  `json:"transaction_id"`
	Amount          string  `json:"amount"`
	Phone           string  `json:"phone"`
	Status          string  `json:"status"`
	ReferenceNumber string  `json:"reference_number,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	ApprovedBy      string  `json:"approved_by,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toWithdrawalDTO(w *ledger.WithdrawalRequest) *WithdrawalDTO {
	if w == nil {
		return nil
	}
	dto := &WithdrawalDTO{
		ID:              string(w.ID),
		MemberID:        string(w.MemberID),
		WalletID:        string(w.WalletID),
		TransactionID:   string(w.TransactionID),
		Amount:          ledger.FormatMoney(w.Amount),
		Phone:           w.Phone,
		Status:          string(w.Status),
		ReferenceNumber: w.ReferenceNumber,
		Notes:           w.Notes,
		ApprovedBy:      w.ApprovedBy,
		CreatedAt:       w.CreatedAt.Format(time.RFC3339),
	}
	if w.ApprovedAt != nil {
		s := w.ApprovedAt.Format(time.RFC3339)
		dto.ApprovedAt = &s
	}
	return dto
}

type StatusResponse struct {
	Transaction       *TransactionDTO `json:"transaction"`
	WithdrawalRequest *WithdrawalDTO  `json:"withdrawal_request"`
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

type RuleRequest struct {
	GroupID       string          `json:"group_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Percentage    decimal.Decimal `json:"percentage"`
	TargetAccount string          `json:"target_account"`
	RunDay        int             `json:"run_day_of_month"`
	Active        *bool           `json:"is_active"`
	CreatedBy     string          `json:"created_by"`
}

func (r RuleRequest) input() deduction.RuleInput {
	return deduction.RuleInput{
		GroupID:       ledger.GroupID(r.GroupID),
		Name:          r.Name,
		Kind:          ledger.RuleKind(r.Type),
		Amount:        r.Amount,
		Percentage:    r.Percentage,
		TargetAccount: r.TargetAccount,
		RunDay:        r.RunDay,
		Active:        r.Active,
		CreatedBy:     r.CreatedBy,
	}
}

type RuleDTO struct {
	ID            string `json:"id"`
	GroupID       string `json:"group_id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Amount        string `json:"amount,omitempty"`
	Percentage    string `json:"percentage,omitempty"`
	TargetAccount string `json:"target_account,omitempty"`
	RunDay        int    `json:"run_day_of_month"`
	Active        bool   `json:"is_active"`
	UpdatedAt     string `json:"updated_at"`
}

func toRuleDTO(r *ledger.DeductionRule) RuleDTO {
	dto := RuleDTO{
		ID:            string(r.ID),
		GroupID:       string(r.GroupID),
		Name:          r.Name,
		Type:          string(r.Kind),
		TargetAccount: r.TargetAccount,
		RunDay:        r.RunDay,
		Active:        r.Active,
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Kind == ledger.RuleFixedAmount {
		dto.Amount = ledger.FormatMoney(r.Amount)
	} else {
		dto.Percentage = r.Percentage.String()
	}
	return dto
}

type OutcomeDTO struct {
	ID              string `json:"id"`
	RuleID          string `json:"deduction_id"`
	MemberID        string `json:"member_id"`
	WalletID        string `json:"wallet_id,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	ScheduledDate   string `json:"scheduled_date"`
	RunAt           string `json:"actual_run_date"`
	AmountAttempted string `json:"amount_attempted"`
	AmountDeducted  string `json:"amount_deducted"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
}

func toOutcomeDTO(o ledger.OutcomeLog) OutcomeDTO {
	return OutcomeDTO{
		ID:              o.ID,
		RuleID:          string(o.RuleID),
		MemberID:        string(o.MemberID),
		WalletID:        string(o.WalletID),
		TransactionID:   string(o.TransactionID),
		ScheduledDate:   o.ScheduledDate.Format(time.DateOnly),
		RunAt:           o.RunAt.Format(time.RFC3339),
		AmountAttempted: ledger.FormatMoney(o.AmountAttempted),
		AmountDeducted:  ledger.FormatMoney(o.AmountDeducted),
		Status:          string(o.Status),
		Note:            o.Note,
	}
}

type RunRequest struct {
	Date  string `json:"date"` // YYYY-MM-DD, defaults to today
	Force bool   `json:"force"`
}

type CountsDTO struct {
	Processed    int    `json:"processed"`
	Success      int    `json:"success"`
	Partial      int    `json:"partial"`
	Insufficient int    `json:"insufficient_balance"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	Deducted     string `json:"amount_deducted"`
}

func toCountsDTO(c deduction.Counts) CountsDTO {
	return CountsDTO{
		Processed:    c.Processed,
		Success:      c.Success,
		Partial:      c.Partial,
		Insufficient: c.Insufficient,
		Skipped:      c.Skipped,
		Failed:       c.Failed,
		Deducted:     ledger.FormatMoney(c.Deducted),
	}
}

type RuleRunDTO struct {
	RuleID string    `json:"deduction_id"`
	Name   string    `json:"name"`
	Counts CountsDTO `json:"counts"`
	Error  string    `json:"error,omitempty"`
}

type RunSummaryDTO struct {
	Date   string       `json:"date"`
	Forced bool         `json:"forced"`
	Rules  []RuleRunDTO `json:"rules"`
	Totals CountsDTO    `json:"totals"`
}

func toRunSummaryDTO(s deduction.Summary) RunSummaryDTO {
	dto := RunSummaryDTO{
		Date:   s.Date.Format(time.DateOnly),
		Forced: s.Forced,
		Rules:  make([]RuleRunDTO, 0, len(s.Rules)),
		Totals: toCountsDTO(s.Totals),
	}
	for _, r := range s.Rules {
		rr := RuleRunDTO{RuleID: string(r.RuleID), Name: r.Name, Counts: toCountsDTO(r.Counts)}
		if r.Err != nil {
			rr.Error = r.Err.Error()
		}
		dto.Rules = append(dto.Rules, rr)
	}
	return dto
}

// =============================================================================
// GROUP POLICY
// =============================================================================

type GroupPolicyDTO struct {
	GroupID                      string  `json:"group_id"`
	AllowGroupUserCashout        bool    `json:"allow_group_user_cashout"`
	AllowMemberWithdrawal        bool    `json:"allow_member_withdrawal"`
	MaxCashoutAmount             *string `json:"max_cashout_amount"`
	MaxWithdrawalAmount          *string `json:"max_withdrawal_amount"`
	RequireApprovalForWithdrawal bool    `json:"require_approval_for_withdrawal"`
}

func toGroupPolicyDTO(p ledger.GroupPolicy) GroupPolicyDTO {
	return GroupPolicyDTO{
		GroupID:                      string(p.GroupID),
		AllowGroupUserCashout:        p.AllowGroupUserCashout,
		AllowMemberWithdrawal:        p.AllowMemberWithdrawal,
		MaxCashoutAmount:             moneyPtr(p.MaxCashoutAmount),
		MaxWithdrawalAmount:          moneyPtr(p.MaxWithdrawalAmount),
		RequireApprovalForWithdrawal: p.RequireApprovalForWithdrawal,
	}
}

type GroupPolicyRequest struct {
	AllowGroupUserCashout        bool             `json:"allow_group_user_cashout"`
	AllowMemberWithdrawal        bool             `json:"allow_member_withdrawal"`
	MaxCashoutAmount             *decimal.Decimal `json:"max_cashout_amount"`
	MaxWithdrawalAmount          *decimal.Decimal `json:"max_withdrawal_amount"`
	RequireApprovalForWithdrawal bool             `json:"require_approval_for_withdrawal"`
}

func moneyPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := ledger.FormatMoney(*d)
	return &s
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
