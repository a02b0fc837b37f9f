// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore backed by maps. WithTx holds the write lock for
// the whole unit, so units are fully serialized.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type data struct {
	members        map[ledger.MemberID]ledger.Member
	memberOrder    []ledger.MemberID
	wallets        map[ledger.WalletID]ledger.Wallet
	walletByMember map[ledger.MemberID]ledger.WalletID
	txs            []ledger.Transaction
	txIndex        map[ledger.TransactionID]int
	rules          map[ledger.RuleID]ledger.DeductionRule
	ruleOrder      []ledger.RuleID
	outcomes       []ledger.OutcomeLog
	withdrawals    map[ledger.WithdrawalID]ledger.WithdrawalRequest
	withdrawalByTx map[ledger.TransactionID]ledger.WithdrawalID
	policies       map[ledger.GroupID]ledger.GroupPolicy
}

func newData() *data {
	return &data{
		members:        make(map[ledger.MemberID]ledger.Member),
		wallets:        make(map[ledger.WalletID]ledger.Wallet),
		walletByMember: make(map[ledger.MemberID]ledger.WalletID),
		txIndex:        make(map[ledger.TransactionID]int),
		rules:          make(map[ledger.RuleID]ledger.DeductionRule),
		withdrawals:    make(map[ledger.WithdrawalID]ledger.WithdrawalRequest),
		withdrawalByTx: make(map[ledger.TransactionID]ledger.WithdrawalID),
		policies:       make(map[ledger.GroupID]ledger.GroupPolicy),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.members {
		c.members[k] = v
	}
	c.memberOrder = append([]ledger.MemberID(nil), d.memberOrder...)
	for k, v := range d.wallets {
		c.wallets[k] = v
	}
	for k, v := range d.walletByMember {
		c.walletByMember[k] = v
	}
	c.txs = append([]ledger.Transaction(nil), d.txs...)
	for k, v := range d.txIndex {
		c.txIndex[k] = v
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	c.ruleOrder = append([]ledger.RuleID(nil), d.ruleOrder...)
	c.outcomes = append([]ledger.OutcomeLog(nil), d.outcomes...)
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range d.withdrawalByTx {
		c.withdrawalByTx[k] = v
	}
	for k, v := range d.policies {
		c.policies[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS - Memory outside WithTx
// =============================================================================

func (m *Memory) read(fn func(d *data) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.d)
}

func (m *Memory) write(fn func(d *data) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

func (m *Memory) GetMember(ctx context.Context, id ledger.MemberID) (out *ledger.Member, err error) {
	err = m.read(func(d *data) error { out, err = d.GetMember(ctx, id); return err })
	return out, err
}

func (m *Memory) ListGroupMembers(ctx context.Context, groupID ledger.GroupID, activeOnly bool) (out []ledger.Member, err error) {
	err = m.read(func(d *data) error { out, err = d.ListGroupMembers(ctx, groupID, activeOnly); return err })
	return out, err
}

func (m *Memory) CreateMember(ctx context.Context, mem ledger.Member) error {
	return m.write(func(d *data) error { return d.CreateMember(ctx, mem) })
}

func (m *Memory) GetWallet(ctx context.Context, id ledger.WalletID) (out *ledger.Wallet, err error) {
	err = m.read(func(d *data) error { out, err = d.GetWallet(ctx, id); return err })
	return out, err
}

func (m *Memory) GetWalletByMember(ctx context.Context, memberID ledger.MemberID) (out *ledger.Wallet, err error) {
	err = m.read(func(d *data) error { out, err = d.GetWalletByMember(ctx, memberID); return err })
	return out, err
}

func (m *Memory) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	return m.write(func(d *data) error { return d.CreateWallet(ctx, w) })
}

func (m *Memory) ReadWalletForUpdate(ctx context.Context, id ledger.WalletID) (out *ledger.Wallet, err error) {
	err = m.read(func(d *data) error { out, err = d.ReadWalletForUpdate(ctx, id); return err })
	return out, err
}

func (m *Memory) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, expectedVersion int64, balance decimal.Decimal) error {
	return m.write(func(d *data) error { return d.UpdateWalletBalance(ctx, id, expectedVersion, balance) })
}

func (m *Memory) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return m.write(func(d *data) error { return d.InsertTransaction(ctx, tx) })
}

func (m *Memory) GetTransaction(ctx context.Context, id ledger.TransactionID) (out *ledger.Transaction, err error) {
	err = m.read(func(d *data) error { out, err = d.GetTransaction(ctx, id); return err })
	return out, err
}

func (m *Memory) GetTransactionByProviderRef(ctx context.Context, ref string) (out *ledger.Transaction, err error) {
	err = m.read(func(d *data) error { out, err = d.GetTransactionByProviderRef(ctx, ref); return err })
	return out, err
}

func (m *Memory) ListTransactions(ctx context.Context, walletID ledger.WalletID) (out []ledger.Transaction, err error) {
	err = m.read(func(d *data) error { out, err = d.ListTransactions(ctx, walletID); return err })
	return out, err
}

func (m *Memory) ListStalePending(ctx context.Context, txType ledger.TxType, before time.Time) (out []ledger.Transaction, err error) {
	err = m.read(func(d *data) error { out, err = d.ListStalePending(ctx, txType, before); return err })
	return out, err
}

func (m *Memory) SetProviderRef(ctx context.Context, id ledger.TransactionID, ref string) error {
	return m.write(func(d *data) error { return d.SetProviderRef(ctx, id, ref) })
}

func (m *Memory) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TxStatus, at time.Time) error {
	return m.write(func(d *data) error { return d.TransitionTransaction(ctx, id, from, to, at) })
}

func (m *Memory) SaveRule(ctx context.Context, r ledger.DeductionRule) error {
	return m.write(func(d *data) error { return d.SaveRule(ctx, r) })
}

func (m *Memory) GetRule(ctx context.Context, id ledger.RuleID) (out *ledger.DeductionRule, err error) {
	err = m.read(func(d *data) error { out, err = d.GetRule(ctx, id); return err })
	return out, err
}

func (m *Memory) ListRules(ctx context.Context, groupID ledger.GroupID) (out []ledger.DeductionRule, err error) {
	err = m.read(func(d *data) error { out, err = d.ListRules(ctx, groupID); return err })
	return out, err
}

func (m *Memory) ListActiveRules(ctx context.Context) (out []ledger.DeductionRule, err error) {
	err = m.read(func(d *data) error { out, err = d.ListActiveRules(ctx); return err })
	return out, err
}

func (m *Memory) AppendOutcome(ctx context.Context, o ledger.OutcomeLog) error {
	return m.write(func(d *data) error { return d.AppendOutcome(ctx, o) })
}

func (m *Memory) ListOutcomesByRule(ctx context.Context, ruleID ledger.RuleID) (out []ledger.OutcomeLog, err error) {
	err = m.read(func(d *data) error { out, err = d.ListOutcomesByRule(ctx, ruleID); return err })
	return out, err
}

func (m *Memory) ListOutcomesByGroup(ctx context.Context, groupID ledger.GroupID) (out []ledger.OutcomeLog, err error) {
	err = m.read(func(d *data) error { out, err = d.ListOutcomesByGroup(ctx, groupID); return err })
	return out, err
}

func (m *Memory) HasDeducted(ctx context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, scheduled time.Time) (out bool, err error) {
	err = m.read(func(d *data) error { out, err = d.HasDeducted(ctx, ruleID, memberID, scheduled); return err })
	return out, err
}

func (m *Memory) CreateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return m.write(func(d *data) error { return d.CreateWithdrawal(ctx, w) })
}

func (m *Memory) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (out *ledger.WithdrawalRequest, err error) {
	err = m.read(func(d *data) error { out, err = d.GetWithdrawal(ctx, id); return err })
	return out, err
}

func (m *Memory) GetWithdrawalByTransaction(ctx context.Context, txID ledger.TransactionID) (out *ledger.WithdrawalRequest, err error) {
	err = m.read(func(d *data) error { out, err = d.GetWithdrawalByTransaction(ctx, txID); return err })
	return out, err
}

func (m *Memory) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from []ledger.WithdrawalStatus, upd ledger.WithdrawalUpdate) error {
	return m.write(func(d *data) error { return d.TransitionWithdrawal(ctx, id, from, upd) })
}

func (m *Memory) GetGroupPolicy(ctx context.Context, groupID ledger.GroupID) (out ledger.GroupPolicy, err error) {
	err = m.read(func(d *data) error { out, err = d.GetGroupPolicy(ctx, groupID); return err })
	return out, err
}

func (m *Memory) SaveGroupPolicy(ctx context.Context, p ledger.GroupPolicy) error {
	return m.write(func(d *data) error { return d.SaveGroupPolicy(ctx, p) })
}

// =============================================================================
// UNLOCKED STATE - Used directly as the view inside WithTx
// =============================================================================

func (d *data) GetMember(_ context.Context, id ledger.MemberID) (*ledger.Member, error) {
	mem, ok := d.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, id)
	}
	return &mem, nil
}

func (d *data) ListGroupMembers(_ context.Context, groupID ledger.GroupID, activeOnly bool) ([]ledger.Member, error) {
	var out []ledger.Member
	for _, id := range d.memberOrder {
		mem := d.members[id]
		if mem.GroupID != groupID || (activeOnly && !mem.Active) {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

func (d *data) CreateMember(_ context.Context, mem ledger.Member) error {
	if _, ok := d.members[mem.ID]; ok {
		return fmt.Errorf("%w: member %s", ledger.ErrAlreadyExists, mem.ID)
	}
	d.members[mem.ID] = mem
	d.memberOrder = append(d.memberOrder, mem.ID)
	return nil
}

func (d *data) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	w, ok := d.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, id)
	}
	return &w, nil
}

func (d *data) GetWalletByMember(ctx context.Context, memberID ledger.MemberID) (*ledger.Wallet, error) {
	id, ok := d.walletByMember[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: member %s", ledger.ErrWalletNotFound, memberID)
	}
	return d.GetWallet(ctx, id)
}

func (d *data) CreateWallet(_ context.Context, w ledger.Wallet) error {
	if _, ok := d.members[w.MemberID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, w.MemberID)
	}
	if _, ok := d.wallets[w.ID]; ok {
		return fmt.Errorf("%w: wallet %s", ledger.ErrAlreadyExists, w.ID)
	}
	if _, ok := d.walletByMember[w.MemberID]; ok {
		return fmt.Errorf("%w: wallet for member %s", ledger.ErrAlreadyExists, w.MemberID)
	}
	d.wallets[w.ID] = w
	d.walletByMember[w.MemberID] = w.ID
	return nil
}

func (d *data) ReadWalletForUpdate(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return d.GetWallet(ctx, id)
}

func (d *data) UpdateWalletBalance(_ context.Context, id ledger.WalletID, expectedVersion int64, balance decimal.Decimal) error {
	w, ok := d.wallets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, id)
	}
	if w.Version != expectedVersion {
		return fmt.Errorf("%w: wallet %s at version %d, expected %d", ledger.ErrConcurrentUpdateConflict, id, w.Version, expectedVersion)
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	d.wallets[id] = w
	return nil
}

func (d *data) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, ok := d.txIndex[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ledger.ErrAlreadyExists, tx.ID)
	}
	d.txIndex[tx.ID] = len(d.txs)
	d.txs = append(d.txs, tx)
	return nil
}

func (d *data) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	i, ok := d.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	tx := d.txs[i]
	return &tx, nil
}

func (d *data) GetTransactionByProviderRef(_ context.Context, ref string) (*ledger.Transaction, error) {
	if ref != "" {
		for _, tx := range d.txs {
			if tx.ProviderRef == ref {
				return &tx, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: provider ref %q", ledger.ErrTransactionNotFound, ref)
}

func (d *data) ListTransactions(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range d.txs {
		if tx.WalletID == walletID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (d *data) ListStalePending(_ context.Context, txType ledger.TxType, before time.Time) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range d.txs {
		if tx.Type == txType && tx.Status == ledger.StatusPending && tx.ProviderRef == "" && tx.CreatedAt.Before(before) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (d *data) SetProviderRef(_ context.Context, id ledger.TransactionID, ref string) error {
	i, ok := d.txIndex[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	if d.txs[i].Status != ledger.StatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ledger.ErrStatusConflict, id, d.txs[i].Status)
	}
	d.txs[i].ProviderRef = ref
	return nil
}

func (d *data) TransitionTransaction(_ context.Context, id ledger.TransactionID, from, to ledger.TxStatus, at time.Time) error {
	i, ok := d.txIndex[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	if d.txs[i].Status != from {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", ledger.ErrStatusConflict, id, d.txs[i].Status, from)
	}
	d.txs[i].Status = to
	d.txs[i].ProcessedAt = &at
	return nil
}

func (d *data) SaveRule(_ context.Context, r ledger.DeductionRule) error {
	if _, ok := d.rules[r.ID]; !ok {
		d.ruleOrder = append(d.ruleOrder, r.ID)
	}
	d.rules[r.ID] = r
	return nil
}

func (d *data) GetRule(_ context.Context, id ledger.RuleID) (*ledger.DeductionRule, error) {
	r, ok := d.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, id)
	}
	return &r, nil
}

func (d *data) ListRules(_ context.Context, groupID ledger.GroupID) ([]ledger.DeductionRule, error) {
	var out []ledger.DeductionRule
	for _, id := range d.ruleOrder {
		if r := d.rules[id]; r.GroupID == groupID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *data) ListActiveRules(_ context.Context) ([]ledger.DeductionRule, error) {
	var out []ledger.DeductionRule
	for _, id := range d.ruleOrder {
		if r := d.rules[id]; r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *data) AppendOutcome(ctx context.Context, o ledger.OutcomeLog) error {
	if o.Status.Deducted() {
		done, _ := d.HasDeducted(ctx, o.RuleID, o.MemberID, o.ScheduledDate)
		if done {
			return fmt.Errorf("%w: deduction %s for member %s on %s",
				ledger.ErrAlreadyExists, o.RuleID, o.MemberID, o.ScheduledDate.Format(time.DateOnly))
		}
	}
	d.outcomes = append(d.outcomes, o)
	return nil
}

func (d *data) ListOutcomesByRule(_ context.Context, ruleID ledger.RuleID) ([]ledger.OutcomeLog, error) {
	var out []ledger.OutcomeLog
	for _, o := range d.outcomes {
		if o.RuleID == ruleID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListOutcomesByGroup returns the group's outcome rows, newest run first.
func (d *data) ListOutcomesByGroup(_ context.Context, groupID ledger.GroupID) ([]ledger.OutcomeLog, error) {
	var out []ledger.OutcomeLog
	for _, o := range d.outcomes {
		if r, ok := d.rules[o.RuleID]; ok && r.GroupID == groupID {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	return out, nil
}

func (d *data) HasDeducted(_ context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, scheduled time.Time) (bool, error) {
	day := ledger.DateOnly(scheduled)
	for _, o := range d.outcomes {
		if o.RuleID == ruleID && o.MemberID == memberID && o.Status.Deducted() && ledger.DateOnly(o.ScheduledDate).Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (d *data) CreateWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	if _, ok := d.withdrawals[w.ID]; ok {
		return fmt.Errorf("%w: withdrawal %s", ledger.ErrAlreadyExists, w.ID)
	}
	d.withdrawals[w.ID] = w
	if w.TransactionID != "" {
		d.withdrawalByTx[w.TransactionID] = w.ID
	}
	return nil
}

func (d *data) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	w, ok := d.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	return &w, nil
}

func (d *data) GetWithdrawalByTransaction(ctx context.Context, txID ledger.TransactionID) (*ledger.WithdrawalRequest, error) {
	id, ok := d.withdrawalByTx[txID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ledger.ErrWithdrawalNotFound, txID)
	}
	return d.GetWithdrawal(ctx, id)
}

func (d *data) TransitionWithdrawal(_ context.Context, id ledger.WithdrawalID, from []ledger.WithdrawalStatus, upd ledger.WithdrawalUpdate) error {
	w, ok := d.withdrawals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	allowed := false
	for _, s := range from {
		if w.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrStatusConflict, id, w.Status)
	}
	w.Status = upd.Status
	if upd.ReferenceNumber != "" {
		w.ReferenceNumber = upd.ReferenceNumber
	}
	if upd.Notes != "" {
		w.Notes = upd.Notes
	}
	if upd.ApprovedBy != "" {
		w.ApprovedBy = upd.ApprovedBy
	}
	if upd.ApprovedAt != nil {
		w.ApprovedAt = upd.ApprovedAt
	}
	w.UpdatedAt = time.Now().UTC()
	d.withdrawals[id] = w
	return nil
}

func (d *data) GetGroupPolicy(_ context.Context, groupID ledger.GroupID) (ledger.GroupPolicy, error) {
	if p, ok := d.policies[groupID]; ok {
		return p, nil
	}
	return ledger.DefaultGroupPolicy(groupID), nil
}

func (d *data) SaveGroupPolicy(_ context.Context, p ledger.GroupPolicy) error {
	d.policies[p.GroupID] = p
	return nil
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*data)(nil)
)
