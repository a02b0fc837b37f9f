/*
processor.go - Monthly deduction batch processor

PURPOSE:
  Applies every active deduction rule scheduled for a date to each active
  member of the rule's group, writing exactly one outcome log row per
  member per run.

POLICY (per member):
  balance >= amount     → full debit,    outcome success
  0 < balance < amount  → debit balance, outcome partial
  balance == 0          → no debit,      outcome insufficient_balance
  no wallet             → no debit,      outcome skipped
  already deducted      → no debit,      outcome skipped ("already deducted")
  unexpected error      → rolled back,   outcome failed

ATOMICITY:
  The debit and its outcome row are written in one ledger.Unit. If the
  unit fails, nothing it wrote survives and a failed row is appended on
  its own afterwards. A success or partial row therefore always has its
  debit, and a debit always has its row.

CONCURRENCY:
  Members of one rule are processed with bounded parallelism (errgroup
  with SetLimit). Rules run one after another. A member failure never
  aborts the batch.

IDEMPOTENCY:
  Re-running a rule for the same scheduled date skips members that
  already have a success or partial row. Stores back this with a unique
  index so two overlapping runs cannot both debit.
*/
package deduction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/savings-ledger/ledger"
)

// DefaultConcurrency bounds parallel members per rule.
const DefaultConcurrency = 4

// Recorder receives batch metrics. metrics.Collector implements it.
type Recorder interface {
	DeductionOutcome(status ledger.OutcomeStatus)
	DeductionRun(forced bool, took time.Duration)
}

// Trigger selects which rules run. Date is the scheduler's calendar date;
// Force runs every active rule regardless of its run day.
type Trigger struct {
	Date  time.Time
	Force bool
}

// =============================================================================
// SUMMARY
// =============================================================================

// Counts aggregates outcomes.
type Counts struct {
	Processed    int
	Success      int
	Partial      int
	Insufficient int
	Skipped      int
	Failed       int
	Deducted     decimal.Decimal
}

func (c *Counts) add(o ledger.OutcomeLog) {
	c.Processed++
	switch o.Status {
	case ledger.OutcomeSuccess:
		c.Success++
	case ledger.OutcomePartial:
		c.Partial++
	case ledger.OutcomeInsufficientBalance:
		c.Insufficient++
	case ledger.OutcomeSkipped:
		c.Skipped++
	default:
		c.Failed++
	}
	c.Deducted = c.Deducted.Add(o.AmountDeducted)
}

func (c *Counts) merge(o Counts) {
	c.Processed += o.Processed
	c.Success += o.Success
	c.Partial += o.Partial
	c.Insufficient += o.Insufficient
	c.Skipped += o.Skipped
	c.Failed += o.Failed
	c.Deducted = c.Deducted.Add(o.Deducted)
}

// RuleSummary is the result of one rule.
type RuleSummary struct {
	RuleID   ledger.RuleID
	Name     string
	GroupID  ledger.GroupID
	Counts   Counts
	Outcomes []ledger.OutcomeLog
	Err      error // set when the member list could not be loaded
}

// Summary is the result of one batch run.
type Summary struct {
	Date   time.Time
	Forced bool
	Rules  []RuleSummary
	Totals Counts
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	engine      *ledger.Engine
	log         logrus.FieldLogger
	recorder    Recorder
	concurrency int
}

type Option func(*Processor)

func WithLogger(l logrus.FieldLogger) Option { return func(p *Processor) { p.log = l } }

func WithRecorder(r Recorder) Option { return func(p *Processor) { p.recorder = r } }

func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func NewProcessor(engine *ledger.Engine, opts ...Option) *Processor {
	p := &Processor{
		engine:      engine,
		log:         logrus.StandardLogger(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes every rule scheduled for trig.Date. It returns an error
// only when the rule list itself cannot be read; per-rule and per-member
// failures are reported in the Summary.
func (p *Processor) Run(ctx context.Context, trig Trigger) (Summary, error) {
	start := time.Now()
	date := ledger.DateOnly(trig.Date)
	sum := Summary{Date: date, Forced: trig.Force}

	rules, err := p.engine.Store().ListActiveRules(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active rules: %w", err)
	}

	scheduled := make([]ledger.DeductionRule, 0, len(rules))
	for _, r := range rules {
		if r.ScheduledOn(date.Day(), trig.Force) {
			scheduled = append(scheduled, r)
		}
	}
	log := p.log.WithFields(logrus.Fields{"date": date.Format(time.DateOnly), "forced": trig.Force})
	if len(scheduled) == 0 {
		log.Infof("No deductions scheduled for day %d", date.Day())
		return sum, nil
	}
	log.Infof("Found %d deduction rules to process", len(scheduled))

	for _, r := range scheduled {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rs := p.RunRule(ctx, r, date)
		sum.Rules = append(sum.Rules, rs)
		sum.Totals.merge(rs.Counts)
	}

	log.WithFields(logrus.Fields{
		"processed":    sum.Totals.Processed,
		"success":      sum.Totals.Success,
		"partial":      sum.Totals.Partial,
		"insufficient": sum.Totals.Insufficient,
		"skipped":      sum.Totals.Skipped,
		"failed":       sum.Totals.Failed,
		"deducted":     ledger.FormatMoney(sum.Totals.Deducted),
	}).Info("Deduction run complete")

	if p.recorder != nil {
		p.recorder.DeductionRun(trig.Force, time.Since(start))
	}
	return sum, nil
}

// RunRule applies one rule to every active member of its group.
func (p *Processor) RunRule(ctx context.Context, rule ledger.DeductionRule, date time.Time) RuleSummary {
	date = ledger.DateOnly(date)
	rs := RuleSummary{RuleID: rule.ID, Name: rule.Name, GroupID: rule.GroupID}
	log := p.log.WithFields(logrus.Fields{"rule_id": rule.ID, "group_id": rule.GroupID})

	members, err := p.engine.Store().ListGroupMembers(ctx, rule.GroupID, true)
	if err != nil {
		log.WithError(err).Error("Failed to list group members")
		rs.Err = err
		return rs
	}

	outcomes := make([]ledger.OutcomeLog, len(members))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, m := range members {
		g.Go(func() error {
			outcomes[i] = p.processMember(ctx, rule, m, date)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		rs.Counts.add(o)
		if p.recorder != nil {
			p.recorder.DeductionOutcome(o.Status)
		}
	}
	rs.Outcomes = outcomes

	log.WithFields(logrus.Fields{
		"processed": rs.Counts.Processed,
		"success":   rs.Counts.Success,
		"partial":   rs.Counts.Partial,
		"failed":    rs.Counts.Failed,
	}).Infof("Processed deduction %q", rule.Name)
	return rs
}

// processMember runs the policy for one member and always returns the
// outcome row that was (or should have been) written.
func (p *Processor) processMember(ctx context.Context, rule ledger.DeductionRule, m ledger.Member, date time.Time) ledger.OutcomeLog {
	var out ledger.OutcomeLog

	err := p.engine.Atomically(ctx, func(u *ledger.Unit) error {
		out = ledger.OutcomeLog{
			ID:             uuid.NewString(),
			RuleID:         rule.ID,
			MemberID:       m.ID,
			ScheduledDate:  date,
			RunAt:          u.Now(),
			AmountDeducted: decimal.Zero,
		}
		if err := p.decide(ctx, u, rule, &out); err != nil {
			return err
		}
		return u.Store.AppendOutcome(ctx, out)
	})
	if err == nil {
		return out
	}

	log := p.log.WithFields(logrus.Fields{"rule_id": rule.ID, "member_id": m.ID})

	// Another run committed first for this member and date.
	if errors.Is(err, ledger.ErrAlreadyExists) {
		out = p.fallbackRow(rule, m, date, out.WalletID, ledger.OutcomeSkipped, out.AmountAttempted, "already deducted")
	} else {
		log.WithError(err).Error("Deduction processing error")
		out = p.fallbackRow(rule, m, date, out.WalletID, ledger.OutcomeFailed, out.AmountAttempted, "Error: "+err.Error())
	}
	if err := p.engine.Store().AppendOutcome(ctx, out); err != nil {
		log.WithError(err).Error("Failed to record deduction outcome")
	}
	return out
}

func (p *Processor) fallbackRow(rule ledger.DeductionRule, m ledger.Member, date time.Time, walletID ledger.WalletID, status ledger.OutcomeStatus, attempted decimal.Decimal, note string) ledger.OutcomeLog {
	return ledger.OutcomeLog{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		MemberID:        m.ID,
		WalletID:        walletID,
		ScheduledDate:   date,
		RunAt:           p.engine.Now(),
		AmountAttempted: attempted,
		AmountDeducted:  decimal.Zero,
		Status:          status,
		Note:            note,
	}
}

// decide fills out and performs the debit, if any, inside u.
func (p *Processor) decide(ctx context.Context, u *ledger.Unit, rule ledger.DeductionRule, out *ledger.OutcomeLog) error {
	done, err := u.Store.HasDeducted(ctx, rule.ID, out.MemberID, out.ScheduledDate)
	if err != nil {
		return err
	}
	if done {
		out.Status = ledger.OutcomeSkipped
		out.Note = "already deducted"
		return nil
	}

	w, err := u.Store.GetWalletByMember(ctx, out.MemberID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		out.Status = ledger.OutcomeSkipped
		out.Note = "No wallet found"
		return nil
	}
	if err != nil {
		return err
	}
	w, err = u.Store.ReadWalletForUpdate(ctx, w.ID)
	if err != nil {
		return err
	}
	out.WalletID = w.ID

	amount := ResolveAmount(rule, w.Balance)
	out.AmountAttempted = amount

	if !w.Active {
		out.Status = ledger.OutcomeSkipped
		out.Note = "Wallet inactive"
		return nil
	}

	policy := Decide(w.Balance, amount)
	switch policy {
	case ledger.OutcomeInsufficientBalance:
		out.Status = policy
		out.Note = fmt.Sprintf("Balance: %s, Required: %s", ledger.FormatMoney(w.Balance), ledger.FormatMoney(amount))
		return nil
	case ledger.OutcomeSkipped:
		out.Status = policy
		out.Note = "Resolved amount is zero"
		return nil
	}

	debit := amount
	desc := "Monthly deduction: " + rule.Name
	if policy == ledger.OutcomePartial {
		debit = w.Balance
		desc = "Partial monthly deduction: " + rule.Name
	}

	tx, err := u.Apply(ctx, w.ID, debit, ledger.Debit, ledger.TxDeduction, ledger.Metadata{
		Reference:   Reference(rule.ID, out.ScheduledDate),
		Description: desc,
		InitiatedBy: ledger.ActorSystem,
	})
	if err != nil {
		return err
	}

	out.TransactionID = tx.ID
	out.AmountDeducted = debit
	out.Status = policy
	if policy == ledger.OutcomePartial {
		out.Note = fmt.Sprintf("Partial deduction: %s of %s deducted", ledger.FormatMoney(debit), ledger.FormatMoney(amount))
	} else {
		out.Note = "Deduction processed successfully"
	}
	return nil
}

// =============================================================================
// POLICY HELPERS
// =============================================================================

// ResolveAmount returns the amount a rule asks for given a balance.
func ResolveAmount(rule ledger.DeductionRule, balance decimal.Decimal) decimal.Decimal {
	if rule.Kind == ledger.RulePercentageOfBalance {
		return ledger.Percent(balance, rule.Percentage)
	}
	return ledger.Round(rule.Amount)
}

// Decide picks the outcome for a balance and a resolved amount. Skipped is
// returned for a non-positive amount on a funded wallet.
func Decide(balance, amount decimal.Decimal) ledger.OutcomeStatus {
	switch {
	case !balance.IsPositive():
		return ledger.OutcomeInsufficientBalance
	case !amount.IsPositive():
		return ledger.OutcomeSkipped
	case balance.GreaterThanOrEqual(amount):
		return ledger.OutcomeSuccess
	default:
		return ledger.OutcomePartial
	}
}

// Reference is the human reference stamped on deduction transactions.
func Reference(ruleID ledger.RuleID, date time.Time) string {
	return fmt.Sprintf("DEDUCTION-%s-%s", ruleID, date.Format("2006-01"))
}

// SortOutcomes orders outcome rows by member id for stable output.
func SortOutcomes(rows []ledger.OutcomeLog) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].MemberID < rows[j].MemberID })
}
