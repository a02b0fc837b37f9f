package deduction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/ledger"
)

// ErrInvalidRule is returned for rule definitions that cannot be scheduled.
var ErrInvalidRule = errors.New("invalid deduction rule")

// RuleInput is the editable part of a deduction rule.
type RuleInput struct {
	GroupID       ledger.GroupID
	Name          string
	Kind          ledger.RuleKind
	Amount        decimal.Decimal
	Percentage    decimal.Decimal
	TargetAccount string
	RunDay        int
	Active        *bool
	CreatedBy     string
}

// Rules manages deduction rule definitions. Editing a rule never touches
// balances.
type Rules struct {
	store ledger.TxStore
	now   func() time.Time
}

func NewRules(engine *ledger.Engine) *Rules {
	return &Rules{store: engine.Store(), now: engine.Now}
}

func (r *Rules) Create(ctx context.Context, in RuleInput) (*ledger.DeductionRule, error) {
	rule := ledger.DeductionRule{
		ID:        ledger.RuleID(uuid.NewString()),
		Active:    true,
		CreatedBy: in.CreatedBy,
		CreatedAt: r.now(),
	}
	apply(&rule, in)
	rule.UpdatedAt = rule.CreatedAt
	if err := Validate(rule); err != nil {
		return nil, err
	}
	if err := r.store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Rules) Update(ctx context.Context, id ledger.RuleID, in RuleInput) (*ledger.DeductionRule, error) {
	rule, err := r.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.GroupID != "" && in.GroupID != rule.GroupID {
		return nil, fmt.Errorf("%w: group cannot change", ErrInvalidRule)
	}
	apply(rule, in)
	rule.UpdatedAt = r.now()
	if err := Validate(*rule); err != nil {
		return nil, err
	}
	if err := r.store.SaveRule(ctx, *rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *Rules) Deactivate(ctx context.Context, id ledger.RuleID) error {
	off := false
	_, err := r.Update(ctx, id, RuleInput{Active: &off})
	return err
}

func (r *Rules) Get(ctx context.Context, id ledger.RuleID) (*ledger.DeductionRule, error) {
	return r.store.GetRule(ctx, id)
}

func (r *Rules) List(ctx context.Context, groupID ledger.GroupID) ([]ledger.DeductionRule, error) {
	return r.store.ListRules(ctx, groupID)
}

// Outcomes returns a group's outcome log, newest run first.
func (r *Rules) Outcomes(ctx context.Context, groupID ledger.GroupID) ([]ledger.OutcomeLog, error) {
	return r.store.ListOutcomesByGroup(ctx, groupID)
}

// apply copies the non-zero fields of in onto rule.
func apply(rule *ledger.DeductionRule, in RuleInput) {
	if in.GroupID != "" {
		rule.GroupID = in.GroupID
	}
	if in.Name != "" {
		rule.Name = strings.TrimSpace(in.Name)
	}
	if in.Kind != "" {
		rule.Kind = in.Kind
	}
	if !in.Amount.IsZero() {
		rule.Amount = in.Amount
	}
	if !in.Percentage.IsZero() {
		rule.Percentage = in.Percentage
	}
	if in.TargetAccount != "" {
		rule.TargetAccount = in.TargetAccount
	}
	if in.RunDay != 0 {
		rule.RunDay = in.RunDay
	}
	if in.Active != nil {
		rule.Active = *in.Active
	}
}

// Validate checks that a rule can be scheduled.
func Validate(r ledger.DeductionRule) error {
	if r.GroupID == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.RunDay < 1 || r.RunDay > 31 {
		return fmt.Errorf("%w: run day %d outside 1-31", ErrInvalidRule, r.RunDay)
	}
	switch r.Kind {
	case ledger.RuleFixedAmount:
		if !r.Amount.IsPositive() || !r.Amount.Equal(ledger.Round(r.Amount)) {
			return fmt.Errorf("%w: %w: %s", ErrInvalidRule, ledger.ErrInvalidAmount, r.Amount)
		}
	case ledger.RulePercentageOfBalance:
		if !r.Percentage.IsPositive() || r.Percentage.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: percentage %s outside (0, 100]", ErrInvalidRule, r.Percentage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	return nil
}
