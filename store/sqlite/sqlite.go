/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists members, wallets, the wallet transaction ledger, deduction rules
  and their outcome logs, withdrawal requests and group policies. The
  Postgres store in store/postgres implements the same contract with row
  locks instead of a process mutex.

APPEND-ONLY ENFORCEMENT:
  wallet_transactions is never deleted from. The only UPDATEs are:
  - status pending -> completed|failed (compare-and-set on status)
  - attaching provider_ref to a pending row
  Reversals are new rows whose compensates column points at the original.

KEY TABLES:
  members:             Savings group members
  wallets:             One per member, balance + version for CAS
  wallet_transactions: Ledger of every balance change
  group_policies:      Per-group cashout/withdrawal limits
  deduction_rules:     Monthly deduction definitions
  deduction_outcomes:  One row per (rule, member, run) attempt
  withdrawal_requests: Mobile money withdrawal lifecycle

UNIQUENESS:
  - idx_outcomes_once: at most one success|partial row per
    (rule, member, scheduled date); reruns log "skipped" instead
  - idx_wallet_tx_compensates: an original is compensated at most once
  - idx_wallet_tx_provider_ref: provider references are unique

CONCURRENCY:
  The database is opened with _txlock=immediate so every WithTx takes the
  SQLite write lock at BEGIN, and a single pooled connection. WithTx and
  stand-alone writes also hold sync.RWMutex. Wallet updates are a
  compare-and-swap on version.
  Inside WithTx use only the Store passed to fn.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/ledger"
)

// timeLayout is fixed-width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and matches SQLite's single writer.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_group
		ON members(group_id, active);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL UNIQUE REFERENCES members(id),
		balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only apart from pending status transitions)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		member_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		reference TEXT,
		description TEXT,
		created_by TEXT,
		initiated_by TEXT NOT NULL,
		compensates TEXT REFERENCES wallet_transactions(id),
		provider_ref TEXT,
		processed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet
		ON wallet_transactions(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_pending
		ON wallet_transactions(tx_type, created_at) WHERE status = 'pending';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_tx_provider_ref
		ON wallet_transactions(provider_ref) WHERE provider_ref IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_tx_compensates
		ON wallet_transactions(compensates) WHERE compensates IS NOT NULL;

	CREATE TABLE IF NOT EXISTS group_policies (
		group_id TEXT PRIMARY KEY,
		allow_group_user_cashout INTEGER NOT NULL,
		allow_member_withdrawal INTEGER NOT NULL,
		max_cashout_amount TEXT,
		max_withdrawal_amount TEXT,
		require_approval_for_withdrawal INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deduction_rules (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('fixed_amount', 'percentage_of_balance')),
		amount TEXT NOT NULL,
		percentage TEXT NOT NULL,
		target_account TEXT,
		run_day INTEGER NOT NULL CHECK (run_day BETWEEN 1 AND 31),
		active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_group
		ON deduction_rules(group_id);

	-- Outcome log (insert-only)
	CREATE TABLE IF NOT EXISTS deduction_outcomes (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES deduction_rules(id),
		member_id TEXT NOT NULL,
		wallet_id TEXT,
		transaction_id TEXT,
		scheduled_date TEXT NOT NULL,
		run_at TEXT NOT NULL,
		amount_attempted TEXT NOT NULL,
		amount_deducted TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_rule
		ON deduction_outcomes(rule_id, run_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_once
		ON deduction_outcomes(rule_id, member_id, scheduled_date)
		WHERE status IN ('success', 'partial');

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		transaction_id TEXT UNIQUE,
		amount TEXT NOT NULL,
		phone TEXT,
		status TEXT NOT NULL,
		reference_number TEXT,
		notes TEXT,
		created_by TEXT,
		approved_by TEXT,
		approved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
`

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Stand-alone writes take the store mutex so they never interleave with a unit.

func (s *Store) CreateMember(ctx context.Context, m ledger.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateMember(ctx, m)
}

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateWallet(ctx, w)
}

func (s *Store) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, expectedVersion int64, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateWalletBalance(ctx, id, expectedVersion, balance)
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.InsertTransaction(ctx, tx)
}

func (s *Store) SetProviderRef(ctx context.Context, id ledger.TransactionID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SetProviderRef(ctx, id, ref)
}

func (s *Store) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TxStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.TransitionTransaction(ctx, id, from, to, at)
}

func (s *Store) SaveRule(ctx context.Context, r ledger.DeductionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveRule(ctx, r)
}

func (s *Store) AppendOutcome(ctx context.Context, o ledger.OutcomeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendOutcome(ctx, o)
}

func (s *Store) CreateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateWithdrawal(ctx, w)
}

func (s *Store) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from []ledger.WithdrawalStatus, upd ledger.WithdrawalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.TransitionWithdrawal(ctx, id, from, upd)
}

func (s *Store) SaveGroupPolicy(ctx context.Context, p ledger.GroupPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveGroupPolicy(ctx, p)
}

// =============================================================================
// QUERIES - Shared by *sql.DB and *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

// ----- members -----

const memberColumns = `id, group_id, name, phone, active, created_at`

func scanMember(row scanner) (ledger.Member, error) {
	var (
		m         ledger.Member
		phone     sql.NullString
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.GroupID, &m.Name, &phone, &m.Active, &createdAt); err != nil {
		return m, err
	}
	m.Phone = phone.String
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func (q queries) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	m, err := scanMember(q.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (q queries) ListGroupMembers(ctx context.Context, groupID ledger.GroupID, activeOnly bool) ([]ledger.Member, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM members
		 WHERE group_id = ? AND (? = 0 OR active = 1)
		 ORDER BY rowid`, groupID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []ledger.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) CreateMember(ctx context.Context, m ledger.Member) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.Name, nullString(m.Phone), m.Active, formatTime(m.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: member %s", ledger.ErrAlreadyExists, m.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

// ----- wallets -----

const walletColumns = `id, member_id, balance, currency, active, version, created_at, updated_at`

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.MemberID, &w.Balance, &w.Currency, &w.Active, &w.Version, &createdAt, &updatedAt)
	if err != nil {
		return w, err
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func (q queries) getWallet(ctx context.Context, where string, arg any) (*ledger.Wallet, error) {
	w, err := scanWallet(q.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", ledger.ErrWalletNotFound, where, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (q queries) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return q.getWallet(ctx, "id", id)
}

func (q queries) GetWalletByMember(ctx context.Context, memberID ledger.MemberID) (*ledger.Wallet, error) {
	return q.getWallet(ctx, "member_id", memberID)
}

// ReadWalletForUpdate relies on the IMMEDIATE transaction already holding
// the database write lock.
func (q queries) ReadWalletForUpdate(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return q.getWallet(ctx, "id", id)
}

func (q queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.MemberID, w.Balance.String(), w.Currency, w.Active, w.Version,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	switch {
	case isUniqueConstraintError(err):
		return fmt.Errorf("%w: wallet for member %s", ledger.ErrAlreadyExists, w.MemberID)
	case isForeignKeyError(err):
		return fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, w.MemberID)
	case err != nil:
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (q queries) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, expectedVersion int64, balance decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		balance.String(), formatTime(time.Now()), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := q.GetWallet(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: wallet %s moved past version %d", ledger.ErrConcurrentUpdateConflict, id, expectedVersion)
}

// ----- wallet transactions -----

const txColumns = `id, wallet_id, member_id, tx_type, amount, direction, balance_before, balance_after,
	status, reference, description, created_by, initiated_by, compensates, provider_ref,
	processed_at, created_at`

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx                                                      ledger.Transaction
		reference, description, createdBy, compensates, provRef sql.NullString
		processedAt                                             sql.NullString
		createdAt                                               string
	)
	err := row.Scan(
		&tx.ID, &tx.WalletID, &tx.MemberID, &tx.Type, &tx.Amount, &tx.Direction,
		&tx.BalanceBefore, &tx.BalanceAfter, &tx.Status, &reference, &description,
		&createdBy, &tx.InitiatedBy, &compensates, &provRef, &processedAt, &createdAt,
	)
	if err != nil {
		return tx, err
	}
	tx.Reference = reference.String
	tx.Description = description.String
	tx.CreatedBy = createdBy.String
	tx.Compensates = ledger.TransactionID(compensates.String)
	tx.ProviderRef = provRef.String
	tx.ProcessedAt = parseNullTime(processedAt)
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

func (q queries) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO wallet_transactions (`+txColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.WalletID, tx.MemberID, tx.Type, tx.Amount.String(), tx.Direction,
		tx.BalanceBefore.String(), tx.BalanceAfter.String(), tx.Status,
		nullString(tx.Reference), nullString(tx.Description), nullString(tx.CreatedBy),
		tx.InitiatedBy, nullString(string(tx.Compensates)), nullString(tx.ProviderRef),
		nullTime(tx.ProcessedAt), formatTime(tx.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: transaction %s", ledger.ErrAlreadyExists, tx.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q queries) getTransaction(ctx context.Context, where string, arg any) (*ledger.Transaction, error) {
	tx, err := scanTransaction(q.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", ledger.ErrTransactionNotFound, where, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

func (q queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return q.getTransaction(ctx, "id", id)
}

func (q queries) GetTransactionByProviderRef(ctx context.Context, ref string) (*ledger.Transaction, error) {
	return q.getTransaction(ctx, "provider_ref", ref)
}

func (q queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (q queries) ListTransactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return q.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = ? ORDER BY rowid`, walletID)
}

func (q queries) ListStalePending(ctx context.Context, txType ledger.TxType, before time.Time) ([]ledger.Transaction, error) {
	return q.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions
		 WHERE tx_type = ? AND status = 'pending' AND provider_ref IS NULL AND created_at < ?
		 ORDER BY rowid`, txType, formatTime(before))
}

func (q queries) SetProviderRef(ctx context.Context, id ledger.TransactionID, ref string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE wallet_transactions SET provider_ref = ? WHERE id = ? AND status = 'pending'`, ref, id)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: provider ref %q", ledger.ErrAlreadyExists, ref)
	}
	if err != nil {
		return fmt.Errorf("failed to set provider ref: %w", err)
	}
	return q.checkTransition(ctx, res, id)
}

func (q queries) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TxStatus, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE wallet_transactions SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		to, formatTime(at), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition transaction: %w", err)
	}
	return q.checkTransition(ctx, res, id)
}

func (q queries) checkTransition(ctx context.Context, res sql.Result, id ledger.TransactionID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	tx, err := q.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: transaction %s is %s", ledger.ErrStatusConflict, id, tx.Status)
}

// ----- deduction rules & outcomes -----

const ruleColumns = `id, group_id, name, kind, amount, percentage, target_account, run_day, active,
	created_by, created_at, updated_at`

func scanRule(row scanner) (ledger.DeductionRule, error) {
	var (
		r                    ledger.DeductionRule
		target, createdBy    sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.GroupID, &r.Name, &r.Kind, &r.Amount, &r.Percentage, &target,
		&r.RunDay, &r.Active, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.TargetAccount = target.String
	r.CreatedBy = createdBy.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func (q queries) SaveRule(ctx context.Context, r ledger.DeductionRule) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO deduction_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, amount = excluded.amount,
			percentage = excluded.percentage, target_account = excluded.target_account,
			run_day = excluded.run_day, active = excluded.active, updated_at = excluded.updated_at`,
		r.ID, r.GroupID, r.Name, r.Kind, r.Amount.String(), r.Percentage.String(),
		nullString(r.TargetAccount), r.RunDay, r.Active, nullString(r.CreatedBy),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (q queries) GetRule(ctx context.Context, id ledger.RuleID) (*ledger.DeductionRule, error) {
	r, err := scanRule(q.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

func (q queries) queryRules(ctx context.Context, query string, args ...any) ([]ledger.DeductionRule, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []ledger.DeductionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) ListRules(ctx context.Context, groupID ledger.GroupID) ([]ledger.DeductionRule, error) {
	return q.queryRules(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE group_id = ? ORDER BY rowid`, groupID)
}

func (q queries) ListActiveRules(ctx context.Context) ([]ledger.DeductionRule, error) {
	return q.queryRules(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE active = 1 ORDER BY rowid`)
}

const outcomeColumns = `id, rule_id, member_id, wallet_id, transaction_id, scheduled_date, run_at,
	amount_attempted, amount_deducted, status, note`

func (q queries) AppendOutcome(ctx context.Context, o ledger.OutcomeLog) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO deduction_outcomes (`+outcomeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RuleID, o.MemberID, nullString(string(o.WalletID)), nullString(string(o.TransactionID)),
		ledger.DateOnly(o.ScheduledDate).Format(time.DateOnly), formatTime(o.RunAt),
		o.AmountAttempted.String(), o.AmountDeducted.String(), o.Status, nullString(o.Note))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: deduction %s for member %s on %s",
			ledger.ErrAlreadyExists, o.RuleID, o.MemberID, o.ScheduledDate.Format(time.DateOnly))
	}
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

func (q queries) queryOutcomes(ctx context.Context, query string, args ...any) ([]ledger.OutcomeLog, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []ledger.OutcomeLog
	for rows.Next() {
		var (
			o                    ledger.OutcomeLog
			walletID, txID, note sql.NullString
			scheduled, runAt     string
		)
		err := rows.Scan(&o.ID, &o.RuleID, &o.MemberID, &walletID, &txID, &scheduled, &runAt,
			&o.AmountAttempted, &o.AmountDeducted, &o.Status, &note)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.WalletID = ledger.WalletID(walletID.String)
		o.TransactionID = ledger.TransactionID(txID.String)
		o.Note = note.String
		o.ScheduledDate, _ = time.Parse(time.DateOnly, scheduled)
		o.RunAt = parseTime(runAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q queries) ListOutcomesByRule(ctx context.Context, ruleID ledger.RuleID) ([]ledger.OutcomeLog, error) {
	return q.queryOutcomes(ctx,
		`SELECT `+outcomeColumns+` FROM deduction_outcomes WHERE rule_id = ? ORDER BY rowid`, ruleID)
}

func (q queries) ListOutcomesByGroup(ctx context.Context, groupID ledger.GroupID) ([]ledger.OutcomeLog, error) {
	return q.queryOutcomes(ctx,
		`SELECT o.id, o.rule_id, o.member_id, o.wallet_id, o.transaction_id, o.scheduled_date, o.run_at,
		        o.amount_attempted, o.amount_deducted, o.status, o.note
		 FROM deduction_outcomes o JOIN deduction_rules r ON r.id = o.rule_id
		 WHERE r.group_id = ?
		 ORDER BY o.run_at DESC, o.rowid`, groupID)
}

func (q queries) HasDeducted(ctx context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, scheduled time.Time) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deduction_outcomes
		 WHERE rule_id = ? AND member_id = ? AND scheduled_date = ? AND status IN ('success', 'partial')`,
		ruleID, memberID, ledger.DateOnly(scheduled).Format(time.DateOnly)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check outcome: %w", err)
	}
	return count > 0, nil
}

// ----- withdrawal requests -----

const withdrawalColumns = `id, member_id, wallet_id, transaction_id, amount, phone, status,
	reference_number, notes, created_by, approved_by, approved_at, created_at, updated_at`

func scanWithdrawal(row scanner) (ledger.WithdrawalRequest, error) {
	var (
		w                                              ledger.WithdrawalRequest
		txID, phone, ref, notes, createdBy, approvedBy sql.NullString
		approvedAt                                     sql.NullString
		createdAt, updatedAt                           string
	)
	err := row.Scan(&w.ID, &w.MemberID, &w.WalletID, &txID, &w.Amount, &phone, &w.Status,
		&ref, &notes, &createdBy, &approvedBy, &approvedAt, &createdAt, &updatedAt)
	if err != nil {
		return w, err
	}
	w.TransactionID = ledger.TransactionID(txID.String)
	w.Phone = phone.String
	w.ReferenceNumber = ref.String
	w.Notes = notes.String
	w.CreatedBy = createdBy.String
	w.ApprovedBy = approvedBy.String
	w.ApprovedAt = parseNullTime(approvedAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func (q queries) CreateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.MemberID, w.WalletID, nullString(string(w.TransactionID)), w.Amount.String(),
		nullString(w.Phone), w.Status, nullString(w.ReferenceNumber), nullString(w.Notes),
		nullString(w.CreatedBy), nullString(w.ApprovedBy), nullTime(w.ApprovedAt),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: withdrawal %s", ledger.ErrAlreadyExists, w.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (q queries) getWithdrawal(ctx context.Context, where string, arg any) (*ledger.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", ledger.ErrWithdrawalNotFound, where, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return &w, nil
}

func (q queries) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	return q.getWithdrawal(ctx, "id", id)
}

func (q queries) GetWithdrawalByTransaction(ctx context.Context, txID ledger.TransactionID) (*ledger.WithdrawalRequest, error) {
	return q.getWithdrawal(ctx, "transaction_id", txID)
}

func (q queries) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from []ledger.WithdrawalStatus, upd ledger.WithdrawalUpdate) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source status for withdrawal %s", ledger.ErrStatusConflict, id)
	}
	args := []any{
		upd.Status, nullString(upd.ReferenceNumber), nullString(upd.Notes),
		nullString(upd.ApprovedBy), nullTime(upd.ApprovedAt), formatTime(time.Now()), id,
	}
	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE withdrawal_requests SET
			status = ?,
			reference_number = COALESCE(?, reference_number),
			notes = COALESCE(?, notes),
			approved_by = COALESCE(?, approved_by),
			approved_at = COALESCE(?, approved_at),
			updated_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to transition withdrawal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	w, err := q.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrStatusConflict, id, w.Status)
}

// ----- group policies -----

func (q queries) GetGroupPolicy(ctx context.Context, groupID ledger.GroupID) (ledger.GroupPolicy, error) {
	var (
		p                   ledger.GroupPolicy
		maxCashout, maxWdrl decimal.NullDecimal
		updatedAt           string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT group_id, allow_group_user_cashout, allow_member_withdrawal, max_cashout_amount,
		        max_withdrawal_amount, require_approval_for_withdrawal, updated_at
		 FROM group_policies WHERE group_id = ?`, groupID,
	).Scan(&p.GroupID, &p.AllowGroupUserCashout, &p.AllowMemberWithdrawal, &maxCashout,
		&maxWdrl, &p.RequireApprovalForWithdrawal, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DefaultGroupPolicy(groupID), nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to get group policy: %w", err)
	}
	p.MaxCashoutAmount = fromNullDecimal(maxCashout)
	p.MaxWithdrawalAmount = fromNullDecimal(maxWdrl)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (q queries) SaveGroupPolicy(ctx context.Context, p ledger.GroupPolicy) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO group_policies (group_id, allow_group_user_cashout, allow_member_withdrawal,
			max_cashout_amount, max_withdrawal_amount, require_approval_for_withdrawal, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET
			allow_group_user_cashout = excluded.allow_group_user_cashout,
			allow_member_withdrawal = excluded.allow_member_withdrawal,
			max_cashout_amount = excluded.max_cashout_amount,
			max_withdrawal_amount = excluded.max_withdrawal_amount,
			require_approval_for_withdrawal = excluded.require_approval_for_withdrawal,
			updated_at = excluded.updated_at`,
		p.GroupID, p.AllowGroupUserCashout, p.AllowMemberWithdrawal,
		nullDecimal(p.MaxCashoutAmount), nullDecimal(p.MaxWithdrawalAmount),
		p.RequireApprovalForWithdrawal, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save group policy: %w", err)
	}
	return nil
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = queries{}
)

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
