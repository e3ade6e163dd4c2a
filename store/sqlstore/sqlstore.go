// Package sqlstore keeps a bank's accounts in SQLite or PostgreSQL.
//
// Reservations live in the accounts table (held_debit, held_credit) and the
// per-branch deltas in intents, so every Adjust is one short conditional
// UPDATE plus an INSERT. No database transaction stays open across branch
// calls.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case SQLite:
		return "sqlite3", nil
	case Postgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("sqlstore: unsupported dialect %q", d)
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	iban        TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL CHECK (balance >= 0),
	held_debit  BIGINT NOT NULL DEFAULT 0,
	held_credit BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS branches (
	branch   TEXT PRIMARY KEY,
	prepared INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS intents (
	branch TEXT NOT NULL,
	iban   TEXT NOT NULL,
	delta  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS intents_branch ON intents (branch);
`

type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    accountstore.Options
	lg      *zap.Logger
}

var _ accountstore.Store = (*Store)(nil)

// Open connects to dsn, creates the schema and rolls back branches left
// unprepared by a previous process.
func Open(ctx context.Context, dialect Dialect, dsn string, opts accountstore.Options, lg *zap.Logger) (*Store, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// one writer; an in-memory database also only exists per connection
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect, opts, lg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts accountstore.Options, lg *zap.Logger) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Store{db: db, dialect: dialect, opts: opts, lg: lg}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.abortUnprepared(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *Store) Balance(ctx context.Context, iban string) (utils.Amount, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT balance FROM accounts WHERE iban = ?`), iban).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", accountstore.ErrAccountNotFound, iban)
	}
	if err != nil {
		return 0, err
	}
	return utils.Amount(bal), nil
}

func (s *Store) Adjust(ctx context.Context, branch, iban string, delta utils.Amount, pred accountstore.Predicate) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	var prepared int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT prepared FROM branches WHERE branch = ?`), branch).Scan(&prepared)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO branches (branch, prepared) VALUES (?, 0) ON CONFLICT (branch) DO NOTHING`), branch); err != nil {
			return err
		}
	case err != nil:
		return err
	case prepared != 0:
		return fmt.Errorf("%w: %s", accountstore.ErrBranchPrepared, branch)
	}

	var res sql.Result
	switch {
	case delta < 0:
		res, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE accounts SET held_debit = held_debit + ?
			 WHERE iban = ? AND balance - held_debit - ? >= 0`),
			int64(-delta), iban, int64(-delta))
	case delta > 0:
		res, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE accounts SET held_credit = held_credit + ?
			 WHERE iban = ? AND balance + held_credit <= ?`),
			int64(delta), iban, int64(s.opts.Limit()-delta))
	default:
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET held_debit = held_debit WHERE iban = ?`), iban)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.explainMiss(ctx, tx, iban, delta, pred)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO intents (branch, iban, delta) VALUES (?, ?, ?)`),
		branch, iban, int64(delta))
	return err
}

// explainMiss maps a conditional update that touched no row to the
// violated constraint.
func (s *Store) explainMiss(ctx context.Context, tx *sql.Tx, iban string, delta utils.Amount, pred accountstore.Predicate) error {
	var bal, hd, hc int64
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT balance, held_debit, held_credit FROM accounts WHERE iban = ?`), iban).Scan(&bal, &hd, &hc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", accountstore.ErrAccountNotFound, iban)
	}
	if err != nil {
		return err
	}
	if err := s.opts.Check(utils.Amount(bal), utils.Amount(hd), utils.Amount(hc), delta, pred); err != nil {
		return fmt.Errorf("%w: %s", err, iban)
	}
	return fmt.Errorf("%w: %s", accountstore.ErrPredicateFailed, iban)
}

func (s *Store) Prepare(ctx context.Context, branch string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO branches (branch, prepared) VALUES (?, 1)
		 ON CONFLICT (branch) DO UPDATE SET prepared = 1`), branch)
	return err
}

type intent struct {
	iban  string
	delta int64
}

func (s *Store) loadIntents(ctx context.Context, tx *sql.Tx, branch string) ([]intent, bool, error) {
	var prepared int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT prepared FROM branches WHERE branch = ?`), branch).Scan(&prepared)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT iban, delta FROM intents WHERE branch = ?`), branch)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var out []intent
	for rows.Next() {
		var in intent
		if err := rows.Scan(&in.iban, &in.delta); err != nil {
			return nil, false, err
		}
		out = append(out, in)
	}
	return out, true, rows.Err()
}

// finish applies (commit) or releases (rollback) every intent of branch
// and forgets it.
func (s *Store) finish(ctx context.Context, branch string, apply bool) (found bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !found {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	intents, found, err := s.loadIntents(ctx, tx, branch)
	if err != nil || !found {
		return found, err
	}
	for _, in := range intents {
		var applied int64
		if apply {
			applied = in.delta
		}
		q := `UPDATE accounts SET balance = balance + ?, held_credit = held_credit - ? WHERE iban = ?`
		amt := in.delta
		if in.delta < 0 {
			q = `UPDATE accounts SET balance = balance + ?, held_debit = held_debit - ? WHERE iban = ?`
			amt = -in.delta
		}
		if _, err = tx.ExecContext(ctx, s.rebind(q), applied, amt, in.iban); err != nil {
			return found, err
		}
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM intents WHERE branch = ?`), branch); err != nil {
		return found, err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM branches WHERE branch = ?`), branch)
	return found, err
}

func (s *Store) Commit(ctx context.Context, branch string) error {
	found, err := s.finish(ctx, branch, true)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", accountstore.ErrBranchNotFound, branch)
	}
	s.lg.Debug("branch committed", zap.String("branch", branch))
	return nil
}

func (s *Store) Rollback(ctx context.Context, branch string) error {
	_, err := s.finish(ctx, branch, false)
	return err
}

func (s *Store) PreparedBranches(ctx context.Context) ([]string, error) {
	return s.branchNames(ctx, 1)
}

func (s *Store) branchNames(ctx context.Context, prepared int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT branch FROM branches WHERE prepared = ? ORDER BY branch`), prepared)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) abortUnprepared(ctx context.Context) error {
	names, err := s.branchNames(ctx, 0)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.Rollback(ctx, name); err != nil {
			return fmt.Errorf("abort unprepared branch %s: %w", name, err)
		}
		s.lg.Info("aborted unprepared branch", zap.String("branch", name))
	}
	return nil
}

func (s *Store) PutAccount(ctx context.Context, acct accountstore.Account) error {
	if acct.Balance < 0 {
		return fmt.Errorf("%w: %s", accountstore.ErrFloorViolated, acct.IBAN)
	}
	limit := s.opts.Limit()
	if acct.Balance > limit {
		return fmt.Errorf("%w: %s", accountstore.ErrCeilingExceeded, acct.IBAN)
	}
	// an existing account keeps its reservations satisfiable
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO accounts (iban, balance) VALUES (?, ?)
		 ON CONFLICT (iban) DO UPDATE SET balance = excluded.balance
		 WHERE accounts.held_debit <= excluded.balance AND accounts.held_credit <= ? - excluded.balance`),
		acct.IBAN, int64(acct.Balance), int64(limit))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var hd int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT held_debit FROM accounts WHERE iban = ?`), acct.IBAN).Scan(&hd)
	if err != nil {
		return err
	}
	if acct.Balance < utils.Amount(hd) {
		return fmt.Errorf("%w: %s", accountstore.ErrFloorViolated, acct.IBAN)
	}
	return fmt.Errorf("%w: %s", accountstore.ErrCeilingExceeded, acct.IBAN)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Truncate deletes every account, branch and intent.
func (s *Store) Truncate(ctx context.Context) error {
	for _, table := range []string{"intents", "branches", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
