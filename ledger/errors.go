/*
errors.go - Centralized error types for the wallet ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The deduction and withdrawal packages return these errors (possibly
  wrapped) so the API layer can map them to HTTP statuses with errors.Is.

ERROR CATEGORIES:
  1. Ledger errors - invalid amounts, insufficient funds, CAS conflicts
  2. Saga errors - provider failures and callback bookkeeping
  3. Lookup errors - missing wallets, members, rules, transactions

RETRY POLICY:
  ErrConcurrentUpdateConflict is retried by the Engine a bounded number of
  times. ErrInvalidAmount and ErrInsufficientFunds are never retried.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for zero, negative or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned when a wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletInactive is returned when a wallet has been deactivated.
	ErrWalletInactive = errors.New("wallet inactive")

	// ErrConcurrentUpdateConflict is returned when a balance write lost a
	// compare-and-swap race. Retryable.
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

	// ErrProviderUnavailable is returned when the payment provider could not
	// be reached (network error, timeout, 5xx after retries).
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrProviderRejected is returned when the provider answered but refused
	// the payment.
	ErrProviderRejected = errors.New("payment provider rejected request")

	// ErrDuplicateCallback is returned when a callback targets a transaction
	// that is already terminal.
	ErrDuplicateCallback = errors.New("duplicate provider callback")

	// ErrUnknownCallbackReference is returned when no transaction matches a
	// provider transaction id.
	ErrUnknownCallbackReference = errors.New("unknown provider callback reference")

	ErrMemberNotFound      = errors.New("member not found")
	ErrRuleNotFound        = errors.New("deduction rule not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWithdrawalNotFound  = errors.New("withdrawal request not found")

	// ErrPolicyViolation is returned when a group policy forbids an operation.
	ErrPolicyViolation = errors.New("group policy violation")

	// ErrAlreadyExists is returned when a unique key is inserted twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStatusConflict is returned when a status compare-and-set finds a
	// different current status than expected.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the balance and amount of a rejected debit.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: available %s, requested %s",
		e.WalletID, FormatMoney(e.Available), FormatMoney(e.Requested))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ProviderError reports a failed provider call and the compensation that
// already restored the wallet.
type ProviderError struct {
	Cause        error // ErrProviderUnavailable or ErrProviderRejected
	Message      string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Compensation *Transaction
}

func (e *ProviderError) Error() string {
	msg := e.Cause.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Compensation != nil {
		msg += fmt.Sprintf(" (reversed %s, balance %s)", FormatMoney(e.Amount), FormatMoney(e.BalanceAfter))
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// PolicyError explains which group policy rule was violated.
type PolicyError struct {
	GroupID GroupID
	Rule    string
	Limit   *decimal.Decimal
}

func (e *PolicyError) Error() string {
	if e.Limit != nil {
		return fmt.Sprintf("group %s policy: %s (limit %s)", e.GroupID, e.Rule, FormatMoney(*e.Limit))
	}
	return fmt.Sprintf("group %s policy: %s", e.GroupID, e.Rule)
}

func (e *PolicyError) Unwrap() error { return ErrPolicyViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdateConflict)
}

// IsClientError returns true if the error is due to invalid client input or a
// legitimate business rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrWalletInactive)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrWithdrawalNotFound)
}

// IsProviderFailure returns true for errors raised by the payment provider.
func IsProviderFailure(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderRejected)
}
