// Package mopay is the HTTP client for the MoPay mobile-money gateway.
package mopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/withdrawal"
)

const DefaultBaseURL = "https://api.mopay.rw"

// Config configures the client. Zero values get defaults.
type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration // per attempt
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// APIError is a non-2xx answer from MoPay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mopay returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mopay returned status %d", e.StatusCode)
}

type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	executor    failsafe.Executor[*http.Response]
	shouldRetry func(resp *http.Response, err error) bool
	log         logrus.FieldLogger
}

var _ withdrawal.Gateway = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option { return func(c *Client) { c.log = l } }

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.APIToken,
		client:      &http.Client{Timeout: cfg.Timeout},
		shouldRetry: ShouldRetry,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.executor = newExecutor(cfg, c.log)
	return c
}

// ShouldRetry retries network errors, 5xx and 429.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

//nolint:bodyclose // *http.Response is a type parameter here
func newExecutor(cfg Config, log logrus.FieldLogger) failsafe.Executor[*http.Response] {
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(ShouldRetry).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.WithFields(logrus.Fields{"from_state": e.OldState, "to_state": e.NewState}).
				Warn("MoPay circuit breaker state change")
		}).
		Build()

	return failsafe.With(retry, breaker)
}

// =============================================================================
// INITIATE PAYMENT
// =============================================================================

type initiateBody struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Phone       string      `json:"phone"`
	PaymentMode string      `json:"payment_mode"`
	Message     string      `json:"message"`
	CallbackURL string      `json:"callback_url"`
}

type initiateResponse struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

// Initiate posts {base}/initiate-payment. Transport failures and 5xx after
// retries wrap ledger.ErrProviderUnavailable; other non-2xx answers wrap
// ledger.ErrProviderRejected.
func (c *Client) Initiate(ctx context.Context, req withdrawal.InitiateRequest) (*withdrawal.InitiateResult, error) {
	mode := req.PaymentMode
	if mode == "" {
		mode = withdrawal.PaymentModeWithdrawal
	}
	body, err := json.Marshal(initiateBody{
		Amount:      json.Number(ledger.FormatMoney(req.Amount)),
		Currency:    req.Currency,
		Phone:       req.Phone,
		PaymentMode: mode,
		Message:     req.Message,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/initiate-payment"
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Authorization", "Bearer "+c.token)
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("Accept", "application/json")
		if req.IdempotencyKey != "" {
			hr.Header.Set("Idempotency-Key", req.IdempotencyKey)
		}
		resp, err := c.client.Do(hr)
		if c.shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		c.log.WithError(err).WithField("idempotency_key", req.IdempotencyKey).Error("MoPay API error")
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: circuit open", ledger.ErrProviderUnavailable)
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ledger.ErrProviderUnavailable, err)
	}
	var out initiateResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = "API request failed"
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrProviderRejected, &APIError{StatusCode: resp.StatusCode, Message: msg})
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ledger.ErrProviderRejected, decodeErr)
	}
	return &withdrawal.InitiateResult{ProviderTxnID: out.TransactionID, Message: out.Message}, nil
}

// =============================================================================
// CALLBACKS
// =============================================================================

// CallbackPayload is the body MoPay posts to the callback URL.
type CallbackPayload struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// ParseCallback decodes a callback body.
func ParseCallback(r io.Reader) (withdrawal.Callback, error) {
	var p CallbackPayload
	if err := json.NewDecoder(io.LimitReader(r, 1<<16)).Decode(&p); err != nil {
		return withdrawal.Callback{}, fmt.Errorf("%w: %w", withdrawal.ErrInvalidRequest, err)
	}
	return withdrawal.Callback{ProviderTxnID: strings.TrimSpace(p.TransactionID), Status: p.Status}, nil
}
