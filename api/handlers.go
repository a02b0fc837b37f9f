/*
handlers.go - HTTP API handlers for the savings-group ledger

PURPOSE:
  Exposes the ledger engine, the deduction batch processor and the
  withdrawal saga via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic. No balance arithmetic
  happens here.

ENDPOINTS:
  Members:
    POST   /api/members                    Create member and open wallet
    GET    /api/members/{id}/wallet        Wallet and balance
    GET    /api/members/{id}/transactions  Ledger history

  Groups:
    GET    /api/groups/{id}/wallets        Members with balances
    GET    /api/groups/{id}/policy         Group policy (defaults if unset)
    PUT    /api/groups/{id}/policy         Replace group policy
    GET    /api/groups/{id}/deductions     Deduction rules
    GET    /api/groups/{id}/deduction-logs Outcome logs

  Wallet:
    POST   /api/wallet/topup               Teller credit
    POST   /api/wallet/cashout             Teller debit (policy checked)

  Deductions:
    POST   /api/deductions                 Create rule
    GET    /api/deductions/{id}            Get rule
    PUT    /api/deductions/{id}            Update rule
    DELETE /api/deductions/{id}            Deactivate rule
    POST   /api/deductions/run             Run the batch for a date

  Mobile money:
    POST   /api/mobile-money/withdraw      Start a withdrawal saga
    POST   /api/mobile-money/callback      Provider notification (503 when it must be redelivered)
    GET    /api/mobile-money/status/{ref}  Withdrawal status

  Admin:
    POST   /api/admin/sweep-stale          Compensate stale pending debits

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate, concurrent status change)
  - 422: Business rejection (insufficient funds, policy, inactive wallet)
  - 502: Payment provider failure (the debit has already been reversed)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Callers are expected to sit behind
  a gateway that authenticates staff and members.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/metrics"
	"github.com/warp/savings-ledger/provider/mopay"
	"github.com/warp/savings-ledger/teller"
	"github.com/warp/savings-ledger/withdrawal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Processor *deduction.Processor
	Rules     *deduction.Rules
	Saga      *withdrawal.Saga
	Teller    *teller.Teller
	Metrics   *metrics.Collector
	Log       logrus.FieldLogger
	Currency  string

	scenario *scenarioState
}

// NewHandler creates a handler. Processor, Rules and Teller are built from
// the engine when nil.
func NewHandler(h Handler) *Handler {
	if h.Log == nil {
		h.Log = logrus.StandardLogger()
	}
	if h.Currency == "" {
		h.Currency = ledger.DefaultCurrency
	}
	if h.Processor == nil {
		h.Processor = deduction.NewProcessor(h.Engine, deduction.WithLogger(h.Log), deduction.WithRecorder(h.Metrics))
	}
	if h.Rules == nil {
		h.Rules = deduction.NewRules(h.Engine)
	}
	if h.Teller == nil {
		h.Teller = teller.New(h.Engine, h.Log)
	}
	h.scenario = &scenarioState{}
	return &h
}

func (h *Handler) store() ledger.TxStore { return h.Engine.Store() }

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// MEMBERS & WALLETS
// =============================================================================

// CreateMember creates a member and opens their wallet in one unit.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.GroupID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id, group_id and name are required", nil)
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.Currency
	}

	m := ledger.Member{
		ID:      ledger.MemberID(req.ID),
		GroupID: ledger.GroupID(req.GroupID),
		Name:    req.Name,
		Phone:   req.Phone,
		Active:  true,
	}
	wallet, err := h.Engine.OpenWallet(r.Context(), m, currency)
	if err != nil {
		h.writeDomainError(w, "failed to create member", err)
		return
	}

	writeJSON(w, http.StatusCreated, MemberDTO{
		ID:      req.ID,
		GroupID: req.GroupID,
		Name:    req.Name,
		Phone:   req.Phone,
		Active:  true,
		Wallet:  toWalletDTO(wallet),
	})
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	memberID := ledger.MemberID(chi.URLParam(r, "id"))
	wallet, err := h.store().GetWalletByMember(r.Context(), memberID)
	if err != nil {
		h.writeDomainError(w, "failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := ledger.MemberID(chi.URLParam(r, "id"))
	wallet, err := h.store().GetWalletByMember(r.Context(), memberID)
	if err != nil {
		h.writeDomainError(w, "failed to get wallet", err)
		return
	}
	txs, err := h.store().ListTransactions(r.Context(), wallet.ID)
	if err != nil {
		h.writeDomainError(w, "failed to list transactions", err)
		return
	}
	dtos := make([]*TransactionDTO, 0, len(txs))
	for i := range txs {
		dtos = append(dtos, toTransactionDTO(&txs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetGroupWallets lists every member of a group with their wallet.
func (h *Handler) GetGroupWallets(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))
	members, err := h.store().ListGroupMembers(r.Context(), groupID, false)
	if err != nil {
		h.writeDomainError(w, "failed to list members", err)
		return
	}

	dtos := make([]MemberDTO, 0, len(members))
	for _, m := range members {
		dto := MemberDTO{
			ID:        string(m.ID),
			GroupID:   string(m.GroupID),
			Name:      m.Name,
			Phone:     m.Phone,
			Active:    m.Active,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		}
		wallet, err := h.store().GetWalletByMember(r.Context(), m.ID)
		switch {
		case err == nil:
			dto.Wallet = toWalletDTO(wallet)
		case !errors.Is(err, ledger.ErrWalletNotFound):
			h.writeDomainError(w, "failed to get wallet", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// GROUP POLICY
// =============================================================================

func (h *Handler) GetGroupPolicy(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))
	p, err := h.store().GetGroupPolicy(r.Context(), groupID)
	if err != nil {
		h.writeDomainError(w, "failed to get group policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupPolicyDTO(p))
}

func (h *Handler) UpdateGroupPolicy(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))
	var req GroupPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if negative(req.MaxCashoutAmount) || negative(req.MaxWithdrawalAmount) {
		writeError(w, http.StatusBadRequest, "limits must not be negative", ledger.ErrInvalidAmount)
		return
	}

	p := ledger.GroupPolicy{
		GroupID:                      groupID,
		AllowGroupUserCashout:        req.AllowGroupUserCashout,
		AllowMemberWithdrawal:        req.AllowMemberWithdrawal,
		MaxCashoutAmount:             req.MaxCashoutAmount,
		MaxWithdrawalAmount:          req.MaxWithdrawalAmount,
		RequireApprovalForWithdrawal: req.RequireApprovalForWithdrawal,
		UpdatedAt:                    h.Engine.Now(),
	}
	if err := h.store().SaveGroupPolicy(r.Context(), p); err != nil {
		h.writeDomainError(w, "failed to save group policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupPolicyDTO(p))
}

// =============================================================================
// TELLER
// =============================================================================

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	tx, err := h.Teller.TopUp(r.Context(), teller.TopUp{
		MemberID:    ledger.MemberID(req.MemberID),
		Amount:      req.Amount,
		Source:      teller.Source(req.Source),
		Reference:   req.Reference,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		InitiatedBy: ledger.Actor(req.InitiatedBy),
	})
	if err != nil {
		h.writeDomainError(w, "top-up failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) CashOut(w http.ResponseWriter, r *http.Request) {
	var req CashOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	tx, err := h.Teller.CashOut(r.Context(), teller.CashOut{
		MemberID:    ledger.MemberID(req.MemberID),
		Amount:      req.Amount,
		Method:      teller.Method(req.Method),
		Reference:   req.Reference,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		InitiatedBy: ledger.Actor(req.InitiatedBy),
		ActorRole:   ledger.Actor(req.UserRole),
	})
	if err != nil {
		h.writeDomainError(w, "cash-out failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := h.Rules.Create(r.Context(), req.input())
	if err != nil {
		h.writeDomainError(w, "failed to create deduction rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Get(r.Context(), ledger.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "failed to get deduction rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := h.Rules.Update(r.Context(), ledger.RuleID(chi.URLParam(r, "id")), req.input())
	if err != nil {
		h.writeDomainError(w, "failed to update deduction rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.Deactivate(r.Context(), ledger.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "failed to deactivate deduction rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListGroupRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.List(r.Context(), ledger.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "failed to list deduction rules", err)
		return
	}
	dtos := make([]RuleDTO, 0, len(rules))
	for i := range rules {
		dtos = append(dtos, toRuleDTO(&rules[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListGroupOutcomes(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Rules.Outcomes(r.Context(), ledger.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "failed to list deduction logs", err)
		return
	}
	dtos := make([]OutcomeDTO, 0, len(logs))
	for _, o := range logs {
		dtos = append(dtos, toOutcomeDTO(o))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunDeductions runs the monthly batch for a date. Without force only rules
// whose run day matches the date's day of month are processed.
func (h *Handler) RunDeductions(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	date := h.Engine.Now()
	if req.Date != "" {
		d, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", err)
			return
		}
		date = d
	}

	summary, err := h.Processor.Run(r.Context(), deduction.Trigger{Date: date, Force: req.Force})
	if err != nil {
		h.writeDomainError(w, "deduction run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// =============================================================================
// MOBILE MONEY
// =============================================================================

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	if h.Saga == nil {
		writeError(w, http.StatusServiceUnavailable, "mobile money withdrawals are not configured", nil)
		return
	}
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Saga.Initiate(r.Context(), withdrawal.Request{
		MemberID:    ledger.MemberID(req.MemberID),
		Amount:      req.Amount,
		Phone:       req.Phone,
		CreatedBy:   req.CreatedBy,
		InitiatedBy: ledger.Actor(req.InitiatedBy),
	})
	if err != nil {
		h.writeDomainError(w, "withdrawal failed", err)
		return
	}

	writeJSON(w, http.StatusOK, WithdrawResponse{
		Message:       res.Message,
		TransactionID: string(res.Transaction.ID),
		ProviderTxnID: res.ProviderTxnID,
		Status:        string(res.Withdrawal.Status),
		Balance:       ledger.FormatMoney(res.Transaction.BalanceAfter),
	})
}

// MobileMoneyCallback receives the provider's notification. Unknown,
// duplicate and malformed callbacks are acknowledged with 200 so the
// provider stops sending them. Any other failure answers 503 so the
// provider redelivers; confirm and compensate are status guarded, so a
// redelivered callback applies at most once.
func (h *Handler) MobileMoneyCallback(w http.ResponseWriter, r *http.Request) {
	if h.Saga == nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		return
	}
	cb, err := mopay.ParseCallback(r.Body)
	if err != nil {
		h.Log.WithError(err).Warn("Malformed mobile money callback")
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
		return
	}

	out, err := h.Saga.HandleCallback(r.Context(), cb)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Callback processed", "state": out.State})
	case errors.Is(err, ledger.ErrUnknownCallbackReference):
		writeJSON(w, http.StatusOK, map[string]string{"message": "Transaction not found"})
	case errors.Is(err, ledger.ErrDuplicateCallback):
		writeJSON(w, http.StatusOK, map[string]string{"message": "Callback already processed"})
	case errors.Is(err, withdrawal.ErrInvalidRequest):
		writeJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
	default:
		h.Log.WithError(err).WithField("provider_txn_id", cb.ProviderTxnID).Error("Callback processing failed")
		writeError(w, http.StatusServiceUnavailable, "Callback not processed, retry later", err)
	}
}

func (h *Handler) WithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	if h.Saga == nil {
		writeError(w, http.StatusServiceUnavailable, "mobile money withdrawals are not configured", nil)
		return
	}
	view, err := h.Saga.Status(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeDomainError(w, "failed to get withdrawal status", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Transaction:       toTransactionDTO(view.Transaction),
		WithdrawalRequest: toWithdrawalDTO(view.Withdrawal),
	})
}

// SweepStale compensates pending mobile money debits that never reached
// the provider.
func (h *Handler) SweepStale(w http.ResponseWriter, r *http.Request) {
	if h.Saga == nil {
		writeError(w, http.StatusServiceUnavailable, "mobile money withdrawals are not configured", nil)
		return
	}
	n, err := h.Saga.CompensateStale(r.Context())
	if err != nil {
		h.writeDomainError(w, "stale sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"compensated": n})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger, deduction, withdrawal and teller errors to
// an HTTP status and error code.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var (
		insufficient *ledger.InsufficientFundsError
		provider     *ledger.ProviderError
		policy       *ledger.PolicyError
	)

	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Insufficient balance",
			Code:  "insufficient_funds",
			Details: map[string]string{
				"available_balance": ledger.FormatMoney(insufficient.Available),
				"requested_amount":  ledger.FormatMoney(insufficient.Requested),
			},
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Insufficient balance", Code: "insufficient_funds"})
	case errors.As(err, &provider):
		details := map[string]string{"reason": provider.Message}
		if provider.Compensation != nil {
			details["amount_reversed"] = ledger.FormatMoney(provider.Amount)
			details["balance"] = ledger.FormatMoney(provider.BalanceAfter)
		}
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "Mobile money transfer failed, balance restored",
			Code:    providerCode(err),
			Details: details,
		})
	case errors.As(err, &policy):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: policy.Error(), Code: "policy_violation"})
	case errors.Is(err, ledger.ErrWalletInactive):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, deduction.ErrInvalidRule),
		errors.Is(err, withdrawal.ErrInvalidRequest),
		errors.Is(err, teller.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_request", Details: err.Error()})
	case errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrStatusConflict),
		errors.Is(err, ledger.ErrConcurrentUpdateConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: err.Error()})
	case ledger.IsProviderFailure(err):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: message, Code: providerCode(err), Details: err.Error()})
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func providerCode(err error) string {
	if errors.Is(err, ledger.ErrProviderRejected) {
		return "provider_rejected"
	}
	return "provider_unavailable"
}

func negative(d *decimal.Decimal) bool { return d != nil && d.IsNegative() }
