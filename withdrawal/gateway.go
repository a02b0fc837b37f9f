package withdrawal

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentModeWithdrawal is the provider payment mode for wallet payouts.
const PaymentModeWithdrawal = "withdrawal"

// InitiateRequest is one payout request sent to the payment provider.
type InitiateRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Phone       string
	PaymentMode string
	Message     string
	CallbackURL string

	// IdempotencyKey is the ledger transaction id. Retries of the same
	// request carry the same key.
	IdempotencyKey string
}

// InitiateResult is the provider's synchronous acknowledgement.
type InitiateResult struct {
	ProviderTxnID string
	Message       string
}

// Gateway is the payment provider. Errors should wrap
// ledger.ErrProviderUnavailable or ledger.ErrProviderRejected; any other
// error is treated as unavailable.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
}
