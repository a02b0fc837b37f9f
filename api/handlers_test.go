/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Member creation opens a wallet
- Teller top-up / cash-out status mapping (422 insufficient, policy)
- Withdrawal saga round trip through a fake MoPay server
- Callback acknowledgement for duplicate, unknown and malformed payloads
- Callback redelivery after a transient store failure
- Deduction rule management and batch trigger
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/ledger/store"
	"github.com/warp/savings-ledger/metrics"
	"github.com/warp/savings-ledger/provider/mopay"
	"github.com/warp/savings-ledger/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeMoPay answers /initiate-payment with the configured status.
type fakeMoPay struct {
	mu     sync.Mutex
	status int
	body   string
	calls  atomic.Int32
}

func (f *fakeMoPay) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeMoPay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	f.mu.Lock()
	status, body := f.status, f.body
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
		body = fmt.Sprintf(`{"transaction_id":"MP-%d","message":"Payment queued"}`, n)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// flakyStore fails the next failTx calls to WithTx, as a dropped
// connection would.
type flakyStore struct {
	*store.Memory
	failTx atomic.Int32
}

var errBadConn = errors.New("driver: bad connection")

func (f *flakyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if f.failTx.Add(-1) >= 0 {
		return errBadConn
	}
	f.failTx.Store(0)
	return f.Memory.WithTx(ctx, fn)
}

type testServer struct {
	router http.Handler
	store  *flakyStore
	engine *ledger.Engine
	mopay  *fakeMoPay
	hook   *logtest.Hook
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	mp := &fakeMoPay{}
	srv := httptest.NewServer(mp)
	t.Cleanup(srv.Close)

	mem := &flakyStore{Memory: store.NewMemory()}
	collector := metrics.New(nil)
	engine := ledger.NewEngine(mem,
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithLogger(logger),
		ledger.WithObserver(collector),
	)
	client := mopay.NewClient(mopay.Config{
		BaseURL:   srv.URL,
		APIToken:  "test-token",
		Timeout:   time.Second,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	}, mopay.WithLogger(logger))
	saga := withdrawal.NewSaga(engine, client,
		withdrawal.WithLogger(logger),
		withdrawal.WithRecorder(collector),
		withdrawal.WithCallbackURL("http://ledger.test/api/mobile-money/callback"),
	)

	h := NewHandler(Handler{Engine: engine, Saga: saga, Metrics: collector, Log: logger})
	return &testServer{router: NewRouter(h), store: mem, engine: engine, mopay: mp, hook: hook}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedMember creates a member in grp-1 and tops up balance.
func (ts *testServer) seedMember(t *testing.T, id, balance string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/members", CreateMemberRequest{ID: id, GroupID: "grp-1", Name: "Member " + id, Phone: "250788123456"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if balance == "0" {
		return
	}
	rec = ts.do(t, http.MethodPost, "/api/wallet/topup", map[string]any{"member_id": id, "amount": balance, "created_by": "admin-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) balance(t *testing.T, memberID string) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/members/"+memberID+"/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[WalletDTO](t, rec).Balance
}

// =============================================================================
// MEMBERS & TELLER
// =============================================================================

func TestCreateMember_OpensEmptyWallet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/members", CreateMemberRequest{ID: "m-1", GroupID: "grp-1", Name: "Aline"})
	require.Equal(t, http.StatusCreated, rec.Code)

	member := decode[MemberDTO](t, rec)
	require.NotNil(t, member.Wallet)
	assert.Equal(t, "0.00", member.Wallet.Balance)
	assert.Equal(t, "RWF", member.Wallet.Currency)

	// Second create for the same member conflicts
	rec = ts.do(t, http.MethodPost, "/api/members", CreateMemberRequest{ID: "m-1", GroupID: "grp-1", Name: "Aline"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetWallet_UnknownMember_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/members/ghost/wallet", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestCashOut_Overdraw_Returns422WithBalances(t *testing.T) {
	// GIVEN: a wallet holding 300
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "300")

	// WHEN: cashing out 500
	rec := ts.do(t, http.MethodPost, "/api/wallet/cashout", map[string]any{"member_id": "m-1", "amount": 500})

	// THEN: rejected, nothing written
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_funds", resp.Code)
	assert.Equal(t, map[string]any{"available_balance": "300.00", "requested_amount": "500.00"}, resp.Details)
	assert.Equal(t, "300.00", ts.balance(t, "m-1"))
}

func TestCashOut_GroupUserBlockedByPolicy(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "1000")

	rec := ts.do(t, http.MethodPut, "/api/groups/grp-1/policy", map[string]any{
		"allow_group_user_cashout": false,
		"allow_member_withdrawal":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/wallet/cashout", map[string]any{"member_id": "m-1", "amount": 100, "user_role": "group_user"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "policy_violation", decode[ErrorResponse](t, rec).Code)

	// Group admins are not bound by the policy
	rec = ts.do(t, http.MethodPost, "/api/wallet/cashout", map[string]any{"member_id": "m-1", "amount": 100, "user_role": "group_admin"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "900.00", ts.balance(t, "m-1"))
}

func TestTopUp_InvalidAmount_BadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "0")

	rec := ts.do(t, http.MethodPost, "/api/wallet/topup", map[string]any{"member_id": "m-1", "amount": "10.001"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupPolicy_DefaultsThenUpdate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/groups/grp-9/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[GroupPolicyDTO](t, rec)
	assert.True(t, p.AllowGroupUserCashout)
	assert.Nil(t, p.MaxWithdrawalAmount)

	rec = ts.do(t, http.MethodPut, "/api/groups/grp-9/policy", map[string]any{"allow_member_withdrawal": true, "max_withdrawal_amount": "10000"})
	require.Equal(t, http.StatusOK, rec.Code)

	p = decode[GroupPolicyDTO](t, ts.do(t, http.MethodGet, "/api/groups/grp-9/policy", nil))
	require.NotNil(t, p.MaxWithdrawalAmount)
	assert.Equal(t, "10000.00", *p.MaxWithdrawalAmount)
	assert.False(t, p.AllowGroupUserCashout)

	rec = ts.do(t, http.MethodPut, "/api/groups/grp-9/policy", map[string]any{"max_cashout_amount": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// MOBILE MONEY
// =============================================================================

func TestWithdraw_FailedCallback_RestoresBalanceOnce(t *testing.T) {
	// GIVEN: balance 1000 and an accepted withdrawal of 500
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "1000")

	rec := ts.do(t, http.MethodPost, "/api/mobile-money/withdraw", map[string]any{"member_id": "m-1", "amount": 500, "phone": "250788123456"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[WithdrawResponse](t, rec)
	assert.Equal(t, "500.00", resp.Balance)
	assert.Equal(t, "processing", resp.Status)
	require.NotEmpty(t, resp.ProviderTxnID)
	assert.Equal(t, "500.00", ts.balance(t, "m-1"))

	// WHEN: the provider reports failure twice
	cb := map[string]string{"transaction_id": resp.ProviderTxnID, "status": "failed"}
	first := ts.do(t, http.MethodPost, "/api/mobile-money/callback", cb)
	second := ts.do(t, http.MethodPost, "/api/mobile-money/callback", cb)

	// THEN: both acknowledged, exactly one compensation
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "Callback already processed", decode[map[string]string](t, second)["message"])
	assert.Equal(t, "1000.00", ts.balance(t, "m-1"))

	txs := decode[[]TransactionDTO](t, ts.do(t, http.MethodGet, "/api/members/m-1/transactions", nil))
	adjustments := 0
	for _, tx := range txs {
		if tx.Type == string(ledger.TxAdjustment) {
			adjustments++
			assert.Equal(t, resp.TransactionID, tx.Compensates)
		}
	}
	assert.Equal(t, 1, adjustments)

	// Status is available by provider reference
	rec = ts.do(t, http.MethodGet, "/api/mobile-money/status/"+resp.ProviderTxnID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "failed", status.Transaction.Status)
	assert.Equal(t, "rejected", status.WithdrawalRequest.Status)
}

func TestWithdraw_SuccessCallback_Completes(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "1000")

	resp := decode[WithdrawResponse](t, ts.do(t, http.MethodPost, "/api/mobile-money/withdraw", map[string]any{"member_id": "m-1", "amount": 400, "phone": "250788123456"}))

	rec := ts.do(t, http.MethodPost, "/api/mobile-money/callback", map[string]string{"transaction_id": resp.ProviderTxnID, "status": "success"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decode[map[string]string](t, rec)["state"])

	status := decode[StatusResponse](t, ts.do(t, http.MethodGet, "/api/mobile-money/status/"+resp.TransactionID, nil))
	assert.Equal(t, "completed", status.Transaction.Status)
	assert.Equal(t, "approved", status.WithdrawalRequest.Status)
	assert.Equal(t, "600.00", ts.balance(t, "m-1"))
}

func TestWithdraw_ProviderRejects_502AndBalanceRestored(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "1000")
	ts.mopay.respond(http.StatusBadRequest, `{"message":"Invalid phone number"}`)

	rec := ts.do(t, http.MethodPost, "/api/mobile-money/withdraw", map[string]any{"member_id": "m-1", "amount": 500, "phone": "250788123456"})

	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "provider_rejected", resp.Code)
	assert.Equal(t, "1000.00", ts.balance(t, "m-1"))
	assert.Equal(t, int32(1), ts.mopay.calls.Load())
}

func TestWithdraw_InsufficientBalance_NoProviderCall(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "200")

	rec := ts.do(t, http.MethodPost, "/api/mobile-money/withdraw", map[string]any{"member_id": "m-1", "amount": 500, "phone": "250788123456"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int32(0), ts.mopay.calls.Load())
}

func TestCallback_TransientStoreError_RedeliveryCompensatesOnce(t *testing.T) {
	// GIVEN: balance 1000 and an accepted withdrawal of 500
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "1000")

	resp := decode[WithdrawResponse](t, ts.do(t, http.MethodPost, "/api/mobile-money/withdraw", map[string]any{"member_id": "m-1", "amount": 500, "phone": "250788123456"}))
	require.NotEmpty(t, resp.ProviderTxnID)
	assert.Equal(t, "500.00", ts.balance(t, "m-1"))

	// WHEN: the failed callback arrives while the store is unavailable
	cb := map[string]string{"transaction_id": resp.ProviderTxnID, "status": "failed"}
	ts.store.failTx.Store(1)
	first := ts.do(t, http.MethodPost, "/api/mobile-money/callback", cb)

	// THEN: the provider is told to retry and nothing changed
	assert.Equal(t, http.StatusServiceUnavailable, first.Code, first.Body.String())
	assert.Equal(t, "500.00", ts.balance(t, "m-1"))

	// WHEN: the provider redelivers twice
	second := ts.do(t, http.MethodPost, "/api/mobile-money/callback", cb)
	third := ts.do(t, http.MethodPost, "/api/mobile-money/callback", cb)

	// THEN: the debit is compensated exactly once
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "compensated", decode[map[string]string](t, second)["state"])
	assert.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, "Callback already processed", decode[map[string]string](t, third)["message"])
	assert.Equal(t, "1000.00", ts.balance(t, "m-1"))

	txs := decode[[]TransactionDTO](t, ts.do(t, http.MethodGet, "/api/members/m-1/transactions", nil))
	adjustments := 0
	for _, tx := range txs {
		if tx.Type == string(ledger.TxAdjustment) {
			adjustments++
		}
	}
	assert.Equal(t, 1, adjustments)
}

func TestCallback_UnknownAndMalformed_AlwaysOK(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/mobile-money/callback", map[string]string{"transaction_id": "MP-nope", "status": "failed"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Transaction not found", decode[map[string]string](t, rec)["message"])

	rec = ts.do(t, http.MethodPost, "/api/mobile-money/callback", "{not json")
	assert.Equal(t, http.StatusOK, rec.Code)

	var warned bool
	for _, e := range ts.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "Malformed mobile money callback") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSweepStale_NothingPending(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/sweep-stale", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"compensated": 0}, decode[map[string]int](t, rec))
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

func TestDeductions_CreateRunAndLogs(t *testing.T) {
	// GIVEN: three members and a 5,000 monthly rule on day 10
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "8000")
	ts.seedMember(t, "m-2", "2000")
	ts.seedMember(t, "m-3", "0")

	rec := ts.do(t, http.MethodPost, "/api/deductions", map[string]any{
		"group_id": "grp-1", "name": "Monthly Savings", "type": "fixed_amount", "amount": 5000, "run_day_of_month": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[RuleDTO](t, rec)
	assert.True(t, rule.Active)

	// WHEN: the batch runs for the 10th
	rec = ts.do(t, http.MethodPost, "/api/deductions/run", RunRequest{Date: "2025-03-10"})

	// THEN: one success, one partial, one insufficient
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[RunSummaryDTO](t, rec)
	require.Len(t, sum.Rules, 1)
	assert.Equal(t, 3, sum.Totals.Processed)
	assert.Equal(t, 1, sum.Totals.Success)
	assert.Equal(t, 1, sum.Totals.Partial)
	assert.Equal(t, 1, sum.Totals.Insufficient)
	assert.Equal(t, "7000.00", sum.Totals.Deducted)

	assert.Equal(t, "3000.00", ts.balance(t, "m-1"))
	assert.Equal(t, "0.00", ts.balance(t, "m-2"))

	logs := decode[[]OutcomeDTO](t, ts.do(t, http.MethodGet, "/api/groups/grp-1/deduction-logs", nil))
	assert.Len(t, logs, 3)

	// A rerun on the same date never deducts twice
	sum = decode[RunSummaryDTO](t, ts.do(t, http.MethodPost, "/api/deductions/run", RunRequest{Date: "2025-03-10"}))
	assert.Equal(t, 3, sum.Totals.Skipped+sum.Totals.Insufficient)
	assert.Equal(t, "0.00", sum.Totals.Deducted)
	assert.Equal(t, "3000.00", ts.balance(t, "m-1"))
}

func TestDeductions_NotScheduledWithoutForce(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "8000")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/deductions", map[string]any{
		"group_id": "grp-1", "name": "Savings", "type": "fixed_amount", "amount": 1000, "run_day_of_month": 25,
	}).Code)

	sum := decode[RunSummaryDTO](t, ts.do(t, http.MethodPost, "/api/deductions/run", RunRequest{Date: "2025-03-10"}))
	assert.Empty(t, sum.Rules)

	sum = decode[RunSummaryDTO](t, ts.do(t, http.MethodPost, "/api/deductions/run", RunRequest{Date: "2025-03-10", Force: true}))
	assert.True(t, sum.Forced)
	assert.Equal(t, 1, sum.Totals.Success)
	assert.Equal(t, "7000.00", ts.balance(t, "m-1"))
}

func TestDeductionRule_Lifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/deductions", map[string]any{"group_id": "grp-1", "name": "Bad", "type": "percentage_of_balance", "percentage": 150, "run_day_of_month": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/deductions", map[string]any{"group_id": "grp-1", "name": "Tithe", "type": "percentage_of_balance", "percentage": 10, "run_day_of_month": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decode[RuleDTO](t, rec)
	assert.Equal(t, "10", rule.Percentage)

	rec = ts.do(t, http.MethodPut, "/api/deductions/"+rule.ID, map[string]any{"group_id": "grp-1", "name": "Tithe", "type": "percentage_of_balance", "percentage": 12.5, "run_day_of_month": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, decode[RuleDTO](t, rec).RunDay)

	rec = ts.do(t, http.MethodDelete, "/api/deductions/"+rule.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rules := decode[[]RuleDTO](t, ts.do(t, http.MethodGet, "/api/groups/grp-1/deductions", nil))
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Active)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/deductions/missing", nil).Code)
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMember(t, "m-1", "100")

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "savings_ledger_ledger_operations_total")
}
