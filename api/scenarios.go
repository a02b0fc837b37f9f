/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built savings groups with realistic data for demos. Each
	scenario creates a fresh group, its members and wallets, seeds balances
	through teller top-ups and defines deduction rules and a group policy.

AVAILABLE SCENARIOS:

	savings-circle:     Fixed monthly contribution, mixed balances
	percentage-savers:  Percentage-of-balance rule
	restricted-cashout: Group policy forbidding group_user cash-outs

HOW SCENARIOS WORK:
 1. Generate a new group ID (scenario ID plus a short random suffix)
 2. Save the group policy
 3. Open a wallet for every member
 4. Top up opening balances through the ledger engine
 5. Create deduction rules scheduled for today's day of month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "savings-circle"}

NOTE:

	Scenarios never reset existing data. Every load creates a new group, so
	balances always come from real ledger transactions.

SEE ALSO:
  - handlers.go: member, teller and deduction endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/teller"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "savings-circle",
		Name:        "Savings Circle",
		Description: "Five members, fixed 5,000 contribution; one partial, one empty wallet",
	},
	{
		ID:          "percentage-savers",
		Name:        "Percentage Savers",
		Description: "Three members saving 10% of their balance every month",
	},
	{
		ID:          "restricted-cashout",
		Name:        "Restricted Cash-Out",
		Description: "Group users cannot cash out; withdrawals capped at 10,000",
	},
}

type seedMember struct {
	name    string
	phone   string
	balance string
}

type scenarioState struct {
	mu      sync.Mutex
	current string
	groupID ledger.GroupID
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenario.mu.Lock()
	current, groupID := h.scenario.current, h.scenario.groupID
	h.scenario.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, map[string]any{"scenario": s, "group_id": groupID})
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario into a new group.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	groupID := ledger.GroupID(req.ScenarioID + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0])

	var err error
	switch req.ScenarioID {
	case "savings-circle":
		err = h.loadSavingsCircleScenario(ctx, groupID)
	case "percentage-savers":
		err = h.loadPercentageSaversScenario(ctx, groupID)
	case "restricted-cashout":
		err = h.loadRestrictedCashoutScenario(ctx, groupID)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.scenario.mu.Lock()
	h.scenario.current = req.ScenarioID
	h.scenario.groupID = groupID
	h.scenario.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"group_id": string(groupID),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSavingsCircleScenario(ctx context.Context, groupID ledger.GroupID) error {
	members := []seedMember{
		{"Aline Uwase", "250788000001", "50000"},
		{"Jean Mugabo", "250788000002", "20000"},
		{"Grace Iradukunda", "250788000003", "3000"},
		{"Eric Nshimiyimana", "250788000004", "0"},
		{"Diane Mukamana", "250788000005", "12000"},
	}
	if err := h.seedGroup(ctx, groupID, ledger.DefaultGroupPolicy(groupID), members); err != nil {
		return err
	}
	return h.seedRule(ctx, deduction.RuleInput{
		GroupID:       groupID,
		Name:          "Monthly Savings",
		Kind:          ledger.RuleFixedAmount,
		Amount:        ledger.MustMoney("5000"),
		TargetAccount: "group-savings",
	})
}

func (h *Handler) loadPercentageSaversScenario(ctx context.Context, groupID ledger.GroupID) error {
	members := []seedMember{
		{"Patrick Habimana", "250788000011", "100000"},
		{"Claudine Ingabire", "250788000012", "33333.33"},
		{"Olivier Niyonzima", "250788000013", "0.05"},
	}
	if err := h.seedGroup(ctx, groupID, ledger.DefaultGroupPolicy(groupID), members); err != nil {
		return err
	}
	return h.seedRule(ctx, deduction.RuleInput{
		GroupID:    groupID,
		Name:       "Ten Percent",
		Kind:       ledger.RulePercentageOfBalance,
		Percentage: decimal.NewFromInt(10),
	})
}

func (h *Handler) loadRestrictedCashoutScenario(ctx context.Context, groupID ledger.GroupID) error {
	limit := ledger.MustMoney("10000")
	policy := ledger.DefaultGroupPolicy(groupID)
	policy.AllowGroupUserCashout = false
	policy.MaxWithdrawalAmount = &limit

	members := []seedMember{
		{"Alice Umutoni", "250788000021", "40000"},
		{"Bosco Twagirayezu", "250788000022", "8000"},
	}
	return h.seedGroup(ctx, groupID, policy, members)
}

// seedGroup saves the policy, opens wallets and tops up opening balances.
func (h *Handler) seedGroup(ctx context.Context, groupID ledger.GroupID, policy ledger.GroupPolicy, members []seedMember) error {
	policy.UpdatedAt = h.Engine.Now()
	if err := h.store().SaveGroupPolicy(ctx, policy); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}

	for i, sm := range members {
		m := ledger.Member{
			ID:      ledger.MemberID(fmt.Sprintf("%s-m%d", groupID, i+1)),
			GroupID: groupID,
			Name:    sm.name,
			Phone:   sm.phone,
			Active:  true,
		}
		if _, err := h.Engine.OpenWallet(ctx, m, h.Currency); err != nil {
			return fmt.Errorf("open wallet for %s: %w", m.ID, err)
		}

		amount := ledger.MustMoney(sm.balance)
		if !amount.IsPositive() {
			continue
		}
		if _, err := h.Teller.TopUp(ctx, teller.TopUp{
			MemberID:    m.ID,
			Amount:      amount,
			Source:      teller.SourceCash,
			Description: "Opening balance",
			CreatedBy:   "scenario",
		}); err != nil {
			return fmt.Errorf("top up %s: %w", m.ID, err)
		}
	}
	return nil
}

// seedRule schedules the rule for today so a plain run picks it up.
func (h *Handler) seedRule(ctx context.Context, in deduction.RuleInput) error {
	in.RunDay = h.Engine.Now().Day()
	in.CreatedBy = "scenario"
	if _, err := h.Rules.Create(ctx, in); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}
