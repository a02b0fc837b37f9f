/*
saga.go - Mobile-money withdrawal saga

PURPOSE:
  Moves money out of a wallet to a phone through the payment provider.
  The local debit happens first; the provider call second. A provider
  failure, a failed callback or a debit whose provider call never
  completed is undone with a compensating credit.

STATE MACHINE:

  INITIATED ──► DEBITED ──► PROVIDER_CALLED ──► CONFIRMED
                  │               │
                  │               └──► COMPENSATING ──► COMPENSATED
                  └── (stale sweep) ──► COMPENSATING ──► COMPENSATED

  INITIATED        amount, member, wallet, policy and balance checked
  DEBITED          pending debit + withdrawal request (pending), one unit
  PROVIDER_CALLED  provider accepted; ref attached, request processing
  CONFIRMED        success callback; debit completed, request approved
  COMPENSATED      debit failed + adjustment credit, request failed/rejected

IDEMPOTENCY:
  Callbacks are at-least-once and may arrive out of order. Every terminal
  transition is a compare-and-set on the ledger transaction status, so
  only the first callback for a provider reference has any effect. Later
  ones return ErrDuplicateCallback and write nothing.
*/
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/ledger"
)

// ApprovedBy is recorded on requests confirmed by a provider callback.
const ApprovedBy = "mopay_system"

// Saga states, as reported to the Recorder.
const (
	StateInitiated      = "initiated"
	StateDebited        = "debited"
	StateProviderCalled = "provider_called"
	StateConfirmed      = "confirmed"
	StateCompensating   = "compensating"
	StateCompensated    = "compensated"
)

// Callback statuses sent by the provider.
const (
	CallbackSuccess = "success"
	CallbackFailed  = "failed"
	CallbackPending = "pending"
)

var (
	DefaultMinAmount  = decimal.NewFromInt(100)
	DefaultStaleAfter = 15 * time.Minute
)

// ErrInvalidRequest is returned for malformed withdrawal or callback input.
var ErrInvalidRequest = errors.New("invalid withdrawal request")

// Recorder receives saga metrics. metrics.Collector implements it.
type Recorder interface {
	SagaTransition(state string)
	Compensated(reason string)
	Callback(result string)
	ProviderCall(err error, took time.Duration)
}

// =============================================================================
// TYPES
// =============================================================================

// Request asks to pay Amount from a member's wallet to Phone.
type Request struct {
	MemberID    ledger.MemberID
	Amount      decimal.Decimal
	Phone       string
	CreatedBy   string
	InitiatedBy ledger.Actor // defaults to member
}

// Result describes an accepted withdrawal awaiting its callback.
type Result struct {
	Transaction   *ledger.Transaction
	Withdrawal    *ledger.WithdrawalRequest
	ProviderTxnID string
	Message       string
}

// Callback is the provider's asynchronous notification.
type Callback struct {
	ProviderTxnID string
	Status        string
}

// CallbackOutcome is what a callback changed.
type CallbackOutcome struct {
	State        string // confirmed, compensated or pending
	Transaction  *ledger.Transaction
	Compensation *ledger.Transaction
}

// StatusView is the current state of one withdrawal.
type StatusView struct {
	Transaction *ledger.Transaction
	Withdrawal  *ledger.WithdrawalRequest
}

// =============================================================================
// SAGA
// =============================================================================

type Saga struct {
	engine      *ledger.Engine
	gateway     Gateway
	log         logrus.FieldLogger
	recorder    Recorder
	minAmount   decimal.Decimal
	currency    string
	callbackURL string
	staleAfter  time.Duration
}

type Option func(*Saga)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Saga) { s.log = l } }

func WithRecorder(r Recorder) Option { return func(s *Saga) { s.recorder = r } }

func WithMinAmount(d decimal.Decimal) Option { return func(s *Saga) { s.minAmount = d } }

func WithCurrency(c string) Option { return func(s *Saga) { s.currency = c } }

func WithCallbackURL(u string) Option { return func(s *Saga) { s.callbackURL = u } }

// WithStaleAfter sets how old a debit without a provider reference must be
// before CompensateStale reverses it. It must exceed the gateway's total
// timeout including retries.
func WithStaleAfter(d time.Duration) Option { return func(s *Saga) { s.staleAfter = d } }

func NewSaga(engine *ledger.Engine, gateway Gateway, opts ...Option) *Saga {
	s := &Saga{
		engine:     engine,
		gateway:    gateway,
		log:        logrus.StandardLogger(),
		minAmount:  DefaultMinAmount,
		currency:   ledger.DefaultCurrency,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Saga) transition(state string) {
	if s.recorder != nil {
		s.recorder.SagaTransition(state)
	}
}

// Initiate runs the saga up to the provider call. On provider failure the
// debit is already compensated when the *ledger.ProviderError is returned.
func (s *Saga) Initiate(ctx context.Context, req Request) (*Result, error) {
	st := s.engine.Store()

	// INITIATED
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = ledger.ActorMember
	}
	member, err := st.GetMember(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	wallet, err := st.GetWalletByMember(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(ctx, member, req); err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(req.Amount) {
		return nil, &ledger.InsufficientFundsError{WalletID: wallet.ID, Available: wallet.Balance, Requested: req.Amount}
	}
	s.transition(StateInitiated)

	log := s.log.WithFields(logrus.Fields{
		"member_id": member.ID,
		"wallet_id": wallet.ID,
		"amount":    ledger.FormatMoney(req.Amount),
	})

	// DEBITED
	var (
		debit   *ledger.Transaction
		request ledger.WithdrawalRequest
	)
	err = s.engine.Atomically(ctx, func(u *ledger.Unit) error {
		now := u.Now()
		tx, err := u.Apply(ctx, wallet.ID, req.Amount, ledger.Debit, ledger.TxMobileMoney, ledger.Metadata{
			Status:      ledger.StatusPending,
			Reference:   fmt.Sprintf("MM-%d-%s", now.Unix(), member.ID),
			Description: "Mobile money withdrawal",
			CreatedBy:   req.CreatedBy,
			InitiatedBy: req.InitiatedBy,
		})
		if err != nil {
			return err
		}
		request = ledger.WithdrawalRequest{
			ID:            ledger.WithdrawalID(tx.ID),
			MemberID:      member.ID,
			WalletID:      wallet.ID,
			TransactionID: tx.ID,
			Amount:        req.Amount,
			Phone:         req.Phone,
			Status:        ledger.WithdrawalPending,
			CreatedBy:     req.CreatedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		debit = tx
		return u.Store.CreateWithdrawal(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	s.transition(StateDebited)
	log = log.WithField("transaction_id", debit.ID)

	// PROVIDER_CALLED
	start := time.Now()
	res, callErr := s.gateway.Initiate(ctx, InitiateRequest{
		Amount:         req.Amount,
		Currency:       s.currency,
		Phone:          req.Phone,
		PaymentMode:    PaymentModeWithdrawal,
		Message:        "Wallet withdrawal",
		CallbackURL:    s.callbackURL,
		IdempotencyKey: string(debit.ID),
	})
	if callErr == nil && (res == nil || res.ProviderTxnID == "") {
		callErr = fmt.Errorf("%w: response carried no transaction id", ledger.ErrProviderRejected)
	}
	if s.recorder != nil {
		s.recorder.ProviderCall(callErr, time.Since(start))
	}
	if callErr != nil {
		return nil, s.compensateInitiate(ctx, log, debit, request.ID, callErr)
	}

	// The provider accepted. If the reference cannot be recorded the debit
	// stays pending without one, the stale sweep will reverse it, and the
	// logged provider id is all an operator has to reconcile the payout.
	err = s.engine.Atomically(ctx, func(u *ledger.Unit) error {
		if err := u.Store.SetProviderRef(ctx, debit.ID, res.ProviderTxnID); err != nil {
			return err
		}
		return u.Store.TransitionWithdrawal(ctx, request.ID, []ledger.WithdrawalStatus{ledger.WithdrawalPending}, ledger.WithdrawalUpdate{
			Status:          ledger.WithdrawalProcessing,
			ReferenceNumber: res.ProviderTxnID,
			Notes:           "MoPay transaction initiated",
		})
	})
	if err != nil {
		log.WithError(err).WithField("provider_txn_id", res.ProviderTxnID).
			Error("Provider accepted withdrawal but reference could not be recorded")
		return nil, fmt.Errorf("record provider reference %s: %w", res.ProviderTxnID, err)
	}
	s.transition(StateProviderCalled)
	log.WithField("provider_txn_id", res.ProviderTxnID).Info("Withdrawal initiated")

	debit.ProviderRef = res.ProviderTxnID
	request.Status = ledger.WithdrawalProcessing
	request.ReferenceNumber = res.ProviderTxnID
	return &Result{
		Transaction:   debit,
		Withdrawal:    &request,
		ProviderTxnID: res.ProviderTxnID,
		Message:       res.Message,
	}, nil
}

func (s *Saga) validate(req Request) error {
	if req.MemberID == "" {
		return fmt.Errorf("%w: member is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(ledger.Round(req.Amount)) {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, req.Amount)
	}
	if req.Amount.LessThan(s.minAmount) {
		return fmt.Errorf("%w: minimum withdrawal is %s", ledger.ErrInvalidAmount, ledger.FormatMoney(s.minAmount))
	}
	if req.InitiatedBy != "" && !req.InitiatedBy.Valid() {
		return fmt.Errorf("%w: unknown actor %q", ErrInvalidRequest, req.InitiatedBy)
	}
	return nil
}

func (s *Saga) checkPolicy(ctx context.Context, m *ledger.Member, req Request) error {
	p, err := s.engine.Store().GetGroupPolicy(ctx, m.GroupID)
	if err != nil {
		return err
	}
	if req.InitiatedBy == ledger.ActorMember && !p.AllowMemberWithdrawal {
		return &ledger.PolicyError{GroupID: m.GroupID, Rule: "member withdrawals are disabled"}
	}
	if p.MaxWithdrawalAmount != nil && req.Amount.GreaterThan(*p.MaxWithdrawalAmount) {
		return &ledger.PolicyError{GroupID: m.GroupID, Rule: "amount exceeds maximum withdrawal", Limit: p.MaxWithdrawalAmount}
	}
	return nil
}

// compensateInitiate reverses a debit after a synchronous provider failure.
func (s *Saga) compensateInitiate(ctx context.Context, log logrus.FieldLogger, debit *ledger.Transaction, id ledger.WithdrawalID, callErr error) error {
	cause := ledger.ErrProviderUnavailable
	if errors.Is(callErr, ledger.ErrProviderRejected) {
		cause = ledger.ErrProviderRejected
	}
	log = log.WithError(callErr)
	log.Warn("Provider call failed; compensating")
	s.transition(StateCompensating)

	// The caller may have gone away; the reversal must still land.
	ctx = context.WithoutCancel(ctx)
	note := "MoPay API error: " + callErr.Error()
	adj, err := s.compensate(ctx, debit.ID, "Reversal: Mobile money withdrawal failed", id,
		[]ledger.WithdrawalStatus{ledger.WithdrawalPending}, ledger.WithdrawalFailed, note)
	if err != nil {
		log.WithField("compensation_error", err.Error()).Error("Compensation failed; debit left pending for the stale sweep")
		return errors.Join(&ledger.ProviderError{Cause: cause, Message: callErr.Error(), Amount: debit.Amount}, err)
	}
	s.transition(StateCompensated)
	if s.recorder != nil {
		s.recorder.Compensated("provider_error")
	}
	return &ledger.ProviderError{
		Cause:        cause,
		Message:      callErr.Error(),
		Amount:       debit.Amount,
		BalanceAfter: adj.BalanceAfter,
		Compensation: adj,
	}
}

// compensate reverses txID and moves its withdrawal request to status in
// one unit. Returns ErrDuplicateCallback if txID is no longer pending.
func (s *Saga) compensate(ctx context.Context, txID ledger.TransactionID, description string, id ledger.WithdrawalID, from []ledger.WithdrawalStatus, status ledger.WithdrawalStatus, note string) (*ledger.Transaction, error) {
	var adj *ledger.Transaction
	err := s.engine.Atomically(ctx, func(u *ledger.Unit) error {
		orig, err := u.Store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		adj, err = u.Compensate(ctx, orig, description)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
		return u.Store.TransitionWithdrawal(ctx, id, from, ledger.WithdrawalUpdate{Status: status, Notes: note})
	})
	return adj, err
}

// =============================================================================
// CALLBACKS
// =============================================================================

// HandleCallback applies a provider notification. Duplicate and unknown
// callbacks are logged and returned as ErrDuplicateCallback and
// ErrUnknownCallbackReference; callers acknowledge them to the provider
// anyway.
func (s *Saga) HandleCallback(ctx context.Context, cb Callback) (*CallbackOutcome, error) {
	status := strings.ToLower(strings.TrimSpace(cb.Status))
	log := s.log.WithFields(logrus.Fields{"provider_txn_id": cb.ProviderTxnID, "status": status})
	log.Info("MoPay callback received")

	if cb.ProviderTxnID == "" {
		s.callback("invalid")
		return nil, fmt.Errorf("%w: callback without transaction id", ErrInvalidRequest)
	}

	tx, err := s.engine.Store().GetTransactionByProviderRef(ctx, cb.ProviderTxnID)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		log.Warn("Transaction not found for callback")
		s.callback("unknown")
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownCallbackReference, cb.ProviderTxnID)
	}
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"transaction_id": tx.ID, "wallet_id": tx.WalletID})

	var out *CallbackOutcome
	switch status {
	case CallbackPending:
		s.callback(CallbackPending)
		return &CallbackOutcome{State: CallbackPending, Transaction: tx}, nil
	case CallbackSuccess:
		out, err = s.confirm(ctx, tx)
	case CallbackFailed:
		out, err = s.reject(ctx, tx)
	default:
		s.callback("invalid")
		return nil, fmt.Errorf("%w: unknown callback status %q", ErrInvalidRequest, cb.Status)
	}

	if errors.Is(err, ledger.ErrDuplicateCallback) {
		log.WithField("current_status", tx.Status).Warn("Duplicate callback ignored")
		s.callback("duplicate")
		return nil, err
	}
	if err != nil {
		log.WithError(err).Error("MoPay callback error")
		s.callback("error")
		return nil, err
	}
	s.callback(status)
	log.WithField("state", out.State).Info("Callback processed")
	return out, nil
}

func (s *Saga) callback(result string) {
	if s.recorder != nil {
		s.recorder.Callback(result)
	}
}

func (s *Saga) confirm(ctx context.Context, tx *ledger.Transaction) (*CallbackOutcome, error) {
	err := s.engine.Atomically(ctx, func(u *ledger.Unit) error {
		now := u.Now()
		err := u.Store.TransitionTransaction(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted, now)
		if errors.Is(err, ledger.ErrStatusConflict) {
			return fmt.Errorf("%w: transaction %s", ledger.ErrDuplicateCallback, tx.ID)
		}
		if err != nil {
			return err
		}
		return s.transitionRequest(ctx, u.Store, tx.ID, ledger.WithdrawalUpdate{
			Status:     ledger.WithdrawalApproved,
			Notes:      "Mobile money withdrawal successful",
			ApprovedBy: ApprovedBy,
			ApprovedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.transition(StateConfirmed)
	cur, err := s.engine.Store().GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &CallbackOutcome{State: StateConfirmed, Transaction: cur}, nil
}

func (s *Saga) reject(ctx context.Context, tx *ledger.Transaction) (*CallbackOutcome, error) {
	s.transition(StateCompensating)
	var adj *ledger.Transaction
	err := s.engine.Atomically(ctx, func(u *ledger.Unit) error {
		var err error
		adj, err = u.Compensate(ctx, tx, "Reversal: Mobile money withdrawal failed")
		if err != nil {
			return err
		}
		return s.transitionRequest(ctx, u.Store, tx.ID, ledger.WithdrawalUpdate{
			Status: ledger.WithdrawalRejected,
			Notes:  "Mobile money withdrawal failed",
		})
	})
	if err != nil {
		return nil, err
	}
	s.transition(StateCompensated)
	if s.recorder != nil {
		s.recorder.Compensated("callback")
	}
	cur, err := s.engine.Store().GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &CallbackOutcome{State: StateCompensated, Transaction: cur, Compensation: adj}, nil
}

// transitionRequest moves the withdrawal request linked to txID, if any.
func (s *Saga) transitionRequest(ctx context.Context, st ledger.Store, txID ledger.TransactionID, upd ledger.WithdrawalUpdate) error {
	wr, err := st.GetWithdrawalByTransaction(ctx, txID)
	if errors.Is(err, ledger.ErrWithdrawalNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return st.TransitionWithdrawal(ctx, wr.ID, []ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing}, upd)
}

// =============================================================================
// STALE SWEEP
// =============================================================================

// CompensateStale reverses mobile-money debits that never received a
// provider reference and are older than the stale threshold. It returns the
// number of debits compensated.
func (s *Saga) CompensateStale(ctx context.Context) (int, error) {
	cutoff := s.engine.Now().Add(-s.staleAfter)
	stale, err := s.engine.Store().ListStalePending(ctx, ledger.TxMobileMoney, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale withdrawals: %w", err)
	}

	n := 0
	for _, tx := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		log := s.log.WithFields(logrus.Fields{"transaction_id": tx.ID, "wallet_id": tx.WalletID, "amount": ledger.FormatMoney(tx.Amount)})

		var id ledger.WithdrawalID
		if wr, err := s.engine.Store().GetWithdrawalByTransaction(ctx, tx.ID); err == nil {
			id = wr.ID
		}
		s.transition(StateCompensating)
		_, err := s.compensate(ctx, tx.ID, "Reversal: Mobile money withdrawal never reached provider", id,
			[]ledger.WithdrawalStatus{ledger.WithdrawalPending}, ledger.WithdrawalFailed, "no provider reference before timeout")
		if errors.Is(err, ledger.ErrDuplicateCallback) {
			continue
		}
		if err != nil {
			log.WithError(err).Error("Stale withdrawal compensation failed")
			continue
		}
		s.transition(StateCompensated)
		if s.recorder != nil {
			s.recorder.Compensated("stale")
		}
		log.Warn("Stale withdrawal compensated")
		n++
	}
	return n, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Status finds a withdrawal by provider transaction id or ledger
// transaction id.
func (s *Saga) Status(ctx context.Context, ref string) (*StatusView, error) {
	st := s.engine.Store()
	tx, err := st.GetTransactionByProviderRef(ctx, ref)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		tx, err = st.GetTransaction(ctx, ledger.TransactionID(ref))
	}
	if err != nil {
		return nil, err
	}
	view := &StatusView{Transaction: tx}
	wr, err := st.GetWithdrawalByTransaction(ctx, tx.ID)
	switch {
	case err == nil:
		view.Withdrawal = wr
	case !errors.Is(err, ledger.ErrWithdrawalNotFound):
		return nil, err
	}
	return view, nil
}
