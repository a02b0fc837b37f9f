/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore.

PURPOSE:
  Production storage for the wallet ledger. Same tables and contract as
  store/sqlite, but writer serialization comes from the database:

  - ReadWalletForUpdate is SELECT ... FOR UPDATE, so concurrent units on the
    same wallet queue on the row lock instead of a process mutex
  - UpdateWalletBalance is still a compare-and-swap on version
  - serialization failures (40001) and deadlocks (40P01) surface as
    ledger.ErrConcurrentUpdateConflict so the engine retries the unit

NUMERIC HANDLING:
  Money columns are NUMERIC(18,2). Values are sent as decimal strings and
  read back with ::text so shopspring/decimal never sees a float.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/savings-ledger/ledger"
)

// Store implements ledger.TxStore on a pgx connection pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{queries: queries{db: pool}, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_members_group ON members(group_id, active);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL UNIQUE REFERENCES members(id),
		balance NUMERIC(18,2) NOT NULL CHECK (balance >= 0),
		currency TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		member_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		balance_before NUMERIC(18,2) NOT NULL,
		balance_after NUMERIC(18,2) NOT NULL CHECK (balance_after >= 0),
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		reference TEXT,
		description TEXT,
		created_by TEXT,
		initiated_by TEXT NOT NULL,
		compensates TEXT REFERENCES wallet_transactions(id),
		provider_ref TEXT,
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet ON wallet_transactions(wallet_id, seq);
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_pending
		ON wallet_transactions(tx_type, created_at) WHERE status = 'pending';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_tx_provider_ref
		ON wallet_transactions(provider_ref) WHERE provider_ref IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_tx_compensates
		ON wallet_transactions(compensates) WHERE compensates IS NOT NULL;

	CREATE TABLE IF NOT EXISTS group_policies (
		group_id TEXT PRIMARY KEY,
		allow_group_user_cashout BOOLEAN NOT NULL,
		allow_member_withdrawal BOOLEAN NOT NULL,
		max_cashout_amount NUMERIC(18,2),
		max_withdrawal_amount NUMERIC(18,2),
		require_approval_for_withdrawal BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deduction_rules (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('fixed_amount', 'percentage_of_balance')),
		amount NUMERIC(18,2) NOT NULL,
		percentage NUMERIC(5,2) NOT NULL,
		target_account TEXT,
		run_day INTEGER NOT NULL CHECK (run_day BETWEEN 1 AND 31),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_group ON deduction_rules(group_id);

	CREATE TABLE IF NOT EXISTS deduction_outcomes (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES deduction_rules(id),
		member_id TEXT NOT NULL,
		wallet_id TEXT,
		transaction_id TEXT,
		scheduled_date DATE NOT NULL,
		run_at TIMESTAMPTZ NOT NULL,
		amount_attempted NUMERIC(18,2) NOT NULL,
		amount_deducted NUMERIC(18,2) NOT NULL,
		status TEXT NOT NULL,
		note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_rule ON deduction_outcomes(rule_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_once
		ON deduction_outcomes(rule_id, member_id, scheduled_date)
		WHERE status IN ('success', 'partial');

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		transaction_id TEXT UNIQUE,
		amount NUMERIC(18,2) NOT NULL,
		phone TEXT,
		status TEXT NOT NULL,
		reference_number TEXT,
		notes TEXT,
		created_by TEXT,
		approved_by TEXT,
		approved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
`

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(queries{db: tx, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by *pgxpool.Pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db        querier
	forUpdate bool
}

// ----- members -----

const memberColumns = `id, group_id, name, COALESCE(phone, ''), active, created_at`

func scanMember(row pgx.Row) (ledger.Member, error) {
	var m ledger.Member
	err := row.Scan(&m.ID, &m.GroupID, &m.Name, &m.Phone, &m.Active, &m.CreatedAt)
	return m, err
}

func (q queries) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	m, err := scanMember(q.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (q queries) ListGroupMembers(ctx context.Context, groupID ledger.GroupID, activeOnly bool) ([]ledger.Member, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+memberColumns+` FROM members
		 WHERE group_id = $1 AND (NOT $2 OR active)
		 ORDER BY created_at, id`, groupID, activeOnly)
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
	_, err := q.db.Exec(ctx,
		`INSERT INTO members (id, group_id, name, phone, active, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		m.ID, m.GroupID, m.Name, m.Phone, m.Active, m.CreatedAt)
	return mapError(err, "member "+string(m.ID))
}

// ----- wallets -----

const walletColumns = `id, member_id, balance::text, currency, active, version, created_at, updated_at`

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		w       ledger.Wallet
		balance string
	)
	err := row.Scan(&w.ID, &w.MemberID, &balance, &w.Currency, &w.Active, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	w.Balance = dec(balance)
	return w, err
}

func (q queries) getWallet(ctx context.Context, query string, arg any) (*ledger.Wallet, error) {
	w, err := scanWallet(q.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ledger.ErrWalletNotFound, arg)
	}
	if err != nil {
		return nil, mapError(err, "get wallet")
	}
	return &w, nil
}

func (q queries) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

func (q queries) GetWalletByMember(ctx context.Context, memberID ledger.MemberID) (*ledger.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE member_id = $1`, memberID)
}

// ReadWalletForUpdate takes the row lock when called inside WithTx.
func (q queries) ReadWalletForUpdate(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	if q.forUpdate {
		query += ` FOR UPDATE`
	}
	return q.getWallet(ctx, query, id)
}

func (q queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO wallets (id, member_id, balance, currency, active, version, created_at, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)`,
		w.ID, w.MemberID, w.Balance.String(), w.Currency, w.Active, w.Version, w.CreatedAt, w.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ledger.ErrMemberNotFound, w.MemberID)
	}
	return mapError(err, "wallet for member "+string(w.MemberID))
}

func (q queries) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, expectedVersion int64, balance decimal.Decimal) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE wallets SET balance = $1::numeric, version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3`,
		balance.String(), id, expectedVersion)
	if err != nil {
		return mapError(err, "update wallet")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := q.GetWallet(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: wallet %s moved past version %d", ledger.ErrConcurrentUpdateConflict, id, expectedVersion)
}

// ----- wallet transactions -----

const txColumns = `id, wallet_id, member_id, tx_type, amount::text, direction, balance_before::text,
	balance_after::text, status, COALESCE(reference, ''), COALESCE(description, ''),
	COALESCE(created_by, ''), initiated_by, COALESCE(compensates, ''), COALESCE(provider_ref, ''),
	processed_at, created_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                    ledger.Transaction
		amount, before, after string
	)
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.MemberID, &tx.Type, &amount, &tx.Direction, &before, &after,
		&tx.Status, &tx.Reference, &tx.Description, &tx.CreatedBy, &tx.InitiatedBy, &tx.Compensates,
		&tx.ProviderRef, &tx.ProcessedAt, &tx.CreatedAt)
	tx.Amount, tx.BalanceBefore, tx.BalanceAfter = dec(amount), dec(before), dec(after)
	return tx, err
}

func (q queries) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, member_id, tx_type, amount, direction,
			balance_before, balance_after, status, reference, description, created_by, initiated_by,
			compensates, provider_ref, processed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8::numeric, $9, NULLIF($10, ''),
			NULLIF($11, ''), NULLIF($12, ''), $13, NULLIF($14, ''), NULLIF($15, ''), $16, $17)`,
		tx.ID, tx.WalletID, tx.MemberID, tx.Type, tx.Amount.String(), tx.Direction,
		tx.BalanceBefore.String(), tx.BalanceAfter.String(), tx.Status, tx.Reference, tx.Description,
		tx.CreatedBy, tx.InitiatedBy, tx.Compensates, tx.ProviderRef, tx.ProcessedAt, tx.CreatedAt)
	return mapError(err, "transaction "+string(tx.ID))
}

func (q queries) getTransaction(ctx context.Context, where string, arg any) (*ledger.Transaction, error) {
	tx, err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE `+where+` = $1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := q.db.Query(ctx, query, args...)
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
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq`, walletID)
}

func (q queries) ListStalePending(ctx context.Context, txType ledger.TxType, before time.Time) ([]ledger.Transaction, error) {
	return q.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions
		 WHERE tx_type = $1 AND status = 'pending' AND provider_ref IS NULL AND created_at < $2
		 ORDER BY seq`, txType, before)
}

func (q queries) SetProviderRef(ctx context.Context, id ledger.TransactionID, ref string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE wallet_transactions SET provider_ref = $1 WHERE id = $2 AND status = 'pending'`, ref, id)
	if err != nil {
		return mapError(err, "provider ref "+ref)
	}
	return q.checkTransition(ctx, tag, id)
}

func (q queries) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TxStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE wallet_transactions SET status = $1, processed_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from)
	if err != nil {
		return mapError(err, "transition transaction")
	}
	return q.checkTransition(ctx, tag, id)
}

func (q queries) checkTransition(ctx context.Context, tag pgconn.CommandTag, id ledger.TransactionID) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	tx, err := q.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: transaction %s is %s", ledger.ErrStatusConflict, id, tx.Status)
}

// ----- deduction rules & outcomes -----

const ruleColumns = `id, group_id, name, kind, amount::text, percentage::text, COALESCE(target_account, ''),
	run_day, active, COALESCE(created_by, ''), created_at, updated_at`

func scanRule(row pgx.Row) (ledger.DeductionRule, error) {
	var (
		r               ledger.DeductionRule
		amount, percent string
	)
	err := row.Scan(&r.ID, &r.GroupID, &r.Name, &r.Kind, &amount, &percent, &r.TargetAccount,
		&r.RunDay, &r.Active, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	r.Amount, r.Percentage = dec(amount), dec(percent)
	return r, err
}

func (q queries) SaveRule(ctx context.Context, r ledger.DeductionRule) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO deduction_rules (id, group_id, name, kind, amount, percentage, target_account,
			run_day, active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, amount = EXCLUDED.amount,
			percentage = EXCLUDED.percentage, target_account = EXCLUDED.target_account,
			run_day = EXCLUDED.run_day, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		r.ID, r.GroupID, r.Name, r.Kind, r.Amount.String(), r.Percentage.String(), r.TargetAccount,
		r.RunDay, r.Active, r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	return mapError(err, "rule "+string(r.ID))
}

func (q queries) GetRule(ctx context.Context, id ledger.RuleID) (*ledger.DeductionRule, error) {
	r, err := scanRule(q.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

func (q queries) queryRules(ctx context.Context, query string, args ...any) ([]ledger.DeductionRule, error) {
	rows, err := q.db.Query(ctx, query, args...)
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
	return q.queryRules(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE group_id = $1 ORDER BY created_at, id`, groupID)
}

func (q queries) ListActiveRules(ctx context.Context) ([]ledger.DeductionRule, error) {
	return q.queryRules(ctx, `SELECT `+ruleColumns+` FROM deduction_rules WHERE active ORDER BY created_at, id`)
}

func (q queries) AppendOutcome(ctx context.Context, o ledger.OutcomeLog) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO deduction_outcomes (id, rule_id, member_id, wallet_id, transaction_id, scheduled_date,
			run_at, amount_attempted, amount_deducted, status, note)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8::numeric, $9::numeric, $10, NULLIF($11, ''))`,
		o.ID, o.RuleID, o.MemberID, o.WalletID, o.TransactionID, ledger.DateOnly(o.ScheduledDate),
		o.RunAt, o.AmountAttempted.String(), o.AmountDeducted.String(), o.Status, o.Note)
	return mapError(err, fmt.Sprintf("deduction %s for member %s", o.RuleID, o.MemberID))
}

const outcomeColumns = `o.id, o.rule_id, o.member_id, COALESCE(o.wallet_id, ''), COALESCE(o.transaction_id, ''),
	o.scheduled_date, o.run_at, o.amount_attempted::text, o.amount_deducted::text, o.status, COALESCE(o.note, '')`

func (q queries) queryOutcomes(ctx context.Context, query string, args ...any) ([]ledger.OutcomeLog, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []ledger.OutcomeLog
	for rows.Next() {
		var (
			o                  ledger.OutcomeLog
			attempted, debited string
		)
		err := rows.Scan(&o.ID, &o.RuleID, &o.MemberID, &o.WalletID, &o.TransactionID, &o.ScheduledDate,
			&o.RunAt, &attempted, &debited, &o.Status, &o.Note)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.AmountAttempted, o.AmountDeducted = dec(attempted), dec(debited)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q queries) ListOutcomesByRule(ctx context.Context, ruleID ledger.RuleID) ([]ledger.OutcomeLog, error) {
	return q.queryOutcomes(ctx,
		`SELECT `+outcomeColumns+` FROM deduction_outcomes o WHERE o.rule_id = $1 ORDER BY o.seq`, ruleID)
}

func (q queries) ListOutcomesByGroup(ctx context.Context, groupID ledger.GroupID) ([]ledger.OutcomeLog, error) {
	return q.queryOutcomes(ctx,
		`SELECT `+outcomeColumns+`
		 FROM deduction_outcomes o JOIN deduction_rules r ON r.id = o.rule_id
		 WHERE r.group_id = $1
		 ORDER BY o.run_at DESC, o.seq`, groupID)
}

func (q queries) HasDeducted(ctx context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, scheduled time.Time) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM deduction_outcomes
			WHERE rule_id = $1 AND member_id = $2 AND scheduled_date = $3 AND status IN ('success', 'partial')
		)`, ruleID, memberID, ledger.DateOnly(scheduled)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check outcome: %w", err)
	}
	return exists, nil
}

// ----- withdrawal requests -----

const withdrawalColumns = `id, member_id, wallet_id, COALESCE(transaction_id, ''), amount::text,
	COALESCE(phone, ''), status, COALESCE(reference_number, ''), COALESCE(notes, ''),
	COALESCE(created_by, ''), COALESCE(approved_by, ''), approved_at, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (ledger.WithdrawalRequest, error) {
	var (
		w      ledger.WithdrawalRequest
		amount string
	)
	err := row.Scan(&w.ID, &w.MemberID, &w.WalletID, &w.TransactionID, &amount, &w.Phone, &w.Status,
		&w.ReferenceNumber, &w.Notes, &w.CreatedBy, &w.ApprovedBy, &w.ApprovedAt, &w.CreatedAt, &w.UpdatedAt)
	w.Amount = dec(amount)
	return w, err
}

func (q queries) CreateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO withdrawal_requests (id, member_id, wallet_id, transaction_id, amount, phone, status,
			reference_number, notes, created_by, approved_by, approved_at, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5::numeric, NULLIF($6, ''), $7, NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14)`,
		w.ID, w.MemberID, w.WalletID, w.TransactionID, w.Amount.String(), w.Phone, w.Status,
		w.ReferenceNumber, w.Notes, w.CreatedBy, w.ApprovedBy, w.ApprovedAt, w.CreatedAt, w.UpdatedAt)
	return mapError(err, "withdrawal "+string(w.ID))
}

func (q queries) getWithdrawal(ctx context.Context, where string, arg any) (*ledger.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE `+where+` = $1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
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
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE withdrawal_requests SET
			status = $1,
			reference_number = COALESCE(NULLIF($2, ''), reference_number),
			notes = COALESCE(NULLIF($3, ''), notes),
			approved_by = COALESCE(NULLIF($4, ''), approved_by),
			approved_at = COALESCE($5, approved_at),
			updated_at = now()
		 WHERE id = $6 AND status = ANY($7)`,
		upd.Status, upd.ReferenceNumber, upd.Notes, upd.ApprovedBy, upd.ApprovedAt, id, statuses)
	if err != nil {
		return mapError(err, "transition withdrawal")
	}
	if tag.RowsAffected() == 1 {
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
		maxCashout, maxWdrl *string
	)
	err := q.db.QueryRow(ctx,
		`SELECT group_id, allow_group_user_cashout, allow_member_withdrawal, max_cashout_amount::text,
		        max_withdrawal_amount::text, require_approval_for_withdrawal, updated_at
		 FROM group_policies WHERE group_id = $1`, groupID,
	).Scan(&p.GroupID, &p.AllowGroupUserCashout, &p.AllowMemberWithdrawal, &maxCashout,
		&maxWdrl, &p.RequireApprovalForWithdrawal, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DefaultGroupPolicy(groupID), nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to get group policy: %w", err)
	}
	p.MaxCashoutAmount = decPtr(maxCashout)
	p.MaxWithdrawalAmount = decPtr(maxWdrl)
	return p, nil
}

func (q queries) SaveGroupPolicy(ctx context.Context, p ledger.GroupPolicy) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO group_policies (group_id, allow_group_user_cashout, allow_member_withdrawal,
			max_cashout_amount, max_withdrawal_amount, require_approval_for_withdrawal, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)
		 ON CONFLICT (group_id) DO UPDATE SET
			allow_group_user_cashout = EXCLUDED.allow_group_user_cashout,
			allow_member_withdrawal = EXCLUDED.allow_member_withdrawal,
			max_cashout_amount = EXCLUDED.max_cashout_amount,
			max_withdrawal_amount = EXCLUDED.max_withdrawal_amount,
			require_approval_for_withdrawal = EXCLUDED.require_approval_for_withdrawal,
			updated_at = EXCLUDED.updated_at`,
		p.GroupID, p.AllowGroupUserCashout, p.AllowMemberWithdrawal, strPtr(p.MaxCashoutAmount),
		strPtr(p.MaxWithdrawalAmount), p.RequireApprovalForWithdrawal, p.UpdatedAt)
	return mapError(err, "group policy")
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = queries{}
)

// Helper functions

// mapError translates Postgres error codes into ledger sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, what)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ledger.ErrConcurrentUpdateConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

func strPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
