// Package teller records over-the-counter top-ups and cash-outs made by
// group staff.
package teller

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/ledger"
)

// ErrInvalidRequest is returned for unknown sources, methods or actors.
var ErrInvalidRequest = errors.New("invalid teller request")

type Source string

const (
	SourceCash        Source = "cash"
	SourceBank        Source = "bank"
	SourceMobileMoney Source = "mobile_money"
	SourceOther       Source = "other"
)

func (s Source) Valid() bool {
	switch s {
	case SourceCash, SourceBank, SourceMobileMoney, SourceOther:
		return true
	}
	return false
}

type Method string

const (
	MethodCash              Method = "cash"
	MethodBank              Method = "bank"
	MethodMobileMoney       Method = "mobile_money"
	MethodInternalBalancing Method = "internal_balancing"
	MethodOther             Method = "other"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodBank, MethodMobileMoney, MethodInternalBalancing, MethodOther:
		return true
	}
	return false
}

type TopUp struct {
	MemberID    ledger.MemberID
	Amount      decimal.Decimal
	Source      Source // defaults to cash
	Reference   string
	Description string
	CreatedBy   string
	InitiatedBy ledger.Actor // defaults to group_admin
}

type CashOut struct {
	MemberID    ledger.MemberID
	Amount      decimal.Decimal
	Method      Method // defaults to cash
	Reference   string
	Description string
	CreatedBy   string
	InitiatedBy ledger.Actor // defaults to group_admin

	// ActorRole is the role of the staff member performing the cash-out.
	// Group policy limits apply to group_user only.
	ActorRole ledger.Actor
}

type Teller struct {
	engine *ledger.Engine
	log    logrus.FieldLogger
}

func New(engine *ledger.Engine, log logrus.FieldLogger) *Teller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Teller{engine: engine, log: log}
}

// TopUp credits a member's wallet.
func (t *Teller) TopUp(ctx context.Context, in TopUp) (*ledger.Transaction, error) {
	if in.Source == "" {
		in.Source = SourceCash
	}
	if !in.Source.Valid() {
		return nil, fmt.Errorf("%w: source %q", ErrInvalidRequest, in.Source)
	}
	actor, err := actorOrDefault(in.InitiatedBy)
	if err != nil {
		return nil, err
	}
	if in.Description == "" {
		in.Description = "Wallet top-up via " + string(in.Source)
	}

	w, err := t.engine.Store().GetWalletByMember(ctx, in.MemberID)
	if err != nil {
		return nil, err
	}
	tx, err := t.engine.Apply(ctx, w.ID, in.Amount, ledger.Credit, ledger.TxTopup, ledger.Metadata{
		Reference:   in.Reference,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		InitiatedBy: actor,
	})
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"member_id":      in.MemberID,
		"wallet_id":      w.ID,
		"transaction_id": tx.ID,
		"amount":         ledger.FormatMoney(in.Amount),
		"source":         in.Source,
	}).Info("Wallet topped up")
	return tx, nil
}

// CashOut debits a member's wallet. The debit is all or nothing.
func (t *Teller) CashOut(ctx context.Context, in CashOut) (*ledger.Transaction, error) {
	if in.Method == "" {
		in.Method = MethodCash
	}
	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidRequest, in.Method)
	}
	actor, err := actorOrDefault(in.InitiatedBy)
	if err != nil {
		return nil, err
	}
	if in.Description == "" {
		in.Description = "Wallet cash-out via " + string(in.Method)
	}

	st := t.engine.Store()
	member, err := st.GetMember(ctx, in.MemberID)
	if err != nil {
		return nil, err
	}
	if in.ActorRole == ledger.ActorGroupUser {
		if err := t.checkPolicy(ctx, member.GroupID, in.Amount); err != nil {
			return nil, err
		}
	}
	w, err := st.GetWalletByMember(ctx, member.ID)
	if err != nil {
		return nil, err
	}

	tx, err := t.engine.Apply(ctx, w.ID, in.Amount, ledger.Debit, ledger.TxCashout, ledger.Metadata{
		Reference:   in.Reference,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		InitiatedBy: actor,
	})
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"member_id":      member.ID,
		"wallet_id":      w.ID,
		"transaction_id": tx.ID,
		"amount":         ledger.FormatMoney(in.Amount),
		"method":         in.Method,
	}).Info("Wallet cashed out")
	return tx, nil
}

func (t *Teller) checkPolicy(ctx context.Context, groupID ledger.GroupID, amount decimal.Decimal) error {
	p, err := t.engine.Store().GetGroupPolicy(ctx, groupID)
	if err != nil {
		return err
	}
	if !p.AllowGroupUserCashout {
		return &ledger.PolicyError{GroupID: groupID, Rule: "group users may not perform cash-out"}
	}
	if p.MaxCashoutAmount != nil && amount.GreaterThan(*p.MaxCashoutAmount) {
		return &ledger.PolicyError{GroupID: groupID, Rule: "cash-out amount exceeds limit", Limit: p.MaxCashoutAmount}
	}
	return nil
}

func actorOrDefault(a ledger.Actor) (ledger.Actor, error) {
	if a == "" {
		return ledger.ActorGroupAdmin, nil
	}
	if !a.Valid() {
		return "", fmt.Errorf("%w: actor %q", ErrInvalidRequest, a)
	}
	return a, nil
}
