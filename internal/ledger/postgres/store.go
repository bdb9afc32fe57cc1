// Package postgres implements the ledger account store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/metatx"
)

const (
	selectAccount = `SELECT address, balance::TEXT AS balance, counter::TEXT AS counter, created_at, updated_at
FROM ledger_accounts WHERE address = $1`

	selectAccountForUpdate = selectAccount + ` FOR UPDATE`

	insertAccount = `INSERT INTO ledger_accounts (address, balance, counter, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4) ON CONFLICT (address) DO NOTHING`

	updateAccount = `UPDATE ledger_accounts SET balance = $2, counter = $3, updated_at = $4 WHERE address = $1`

	insertEntry = `INSERT INTO ledger_entries (id, address, kind, direction, amount, counter, balance, relayer, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	selectEntries = `SELECT id, kind, direction, amount::TEXT AS amount, counter::TEXT AS counter, balance::TEXT AS balance, relayer, created_at
FROM ledger_entries WHERE address = $1 ORDER BY counter DESC LIMIT $2`

	selectStats = `SELECT COUNT(*) AS accounts, COALESCE(SUM(balance), 0)::TEXT AS total_balance FROM ledger_accounts`
)

// DefaultEntriesLimit caps Entries when no limit is given.
const DefaultEntriesLimit = 1000

const maxCreateAttempts = 3

// errConcurrentCreate signals that another transaction created the account
// between our read and insert; the update is retried.
var errConcurrentCreate = errors.New("account created concurrently")

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

type accountRow struct {
	Address   string    `db:"address"`
	Balance   string    `db:"balance"`
	Counter   string    `db:"counter"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r accountRow) toAccount() (ledger.Account, error) {
	balance, err := strconv.ParseUint(r.Balance, 10, 64)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("parse balance: %w", err)
	}
	counter, err := strconv.ParseUint(r.Counter, 10, 64)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("parse counter: %w", err)
	}
	return ledger.Account{
		Address:   r.Address,
		Balance:   balance,
		Counter:   counter,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type entryRow struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	Direction int16     `db:"direction"`
	Amount    string    `db:"amount"`
	Counter   string    `db:"counter"`
	Balance   string    `db:"balance"`
	Relayer   string    `db:"relayer"`
	CreatedAt time.Time `db:"created_at"`
}

func (r entryRow) toEntry(address string) (ledger.Entry, error) {
	var (
		e   = ledger.Entry{ID: r.ID, Kind: ledger.EntryKind(r.Kind), Address: address, Direction: metatx.Direction(r.Direction), Relayer: r.Relayer, CreatedAt: r.CreatedAt}
		err error
	)
	if e.Amount, err = strconv.ParseUint(r.Amount, 10, 64); err != nil {
		return e, fmt.Errorf("parse amount: %w", err)
	}
	if e.Counter, err = strconv.ParseUint(r.Counter, 10, 64); err != nil {
		return e, fmt.Errorf("parse counter: %w", err)
	}
	if e.Balance, err = strconv.ParseUint(r.Balance, 10, 64); err != nil {
		return e, fmt.Errorf("parse balance: %w", err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, address string) (ledger.Account, bool, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, selectAccount, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{Address: address}, false, nil
		}
		return ledger.Account{}, false, err
	}
	acct, err := row.toAccount()
	return acct, err == nil, err
}

// Update locks the account row, applies fn and writes the account and
// journal entry in one transaction.
func (s *Store) Update(ctx context.Context, address string, fn ledger.UpdateFunc) (ledger.Account, error) {
	for attempt := 1; ; attempt++ {
		acct, err := s.update(ctx, address, fn)
		if errors.Is(err, errConcurrentCreate) && attempt < maxCreateAttempts {
			continue
		}
		return acct, err
	}
}

func (s *Store) update(ctx context.Context, address string, fn ledger.UpdateFunc) (ledger.Account, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := ledger.Account{Address: address}
	found := true
	var row accountRow
	if err := tx.GetContext(ctx, &row, selectAccountForUpdate, address); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, fmt.Errorf("select account: %w", err)
		}
		found = false
	} else if current, err = row.toAccount(); err != nil {
		return ledger.Account{}, err
	}

	next, entry, err := fn(current, found)
	if err != nil {
		return current, err
	}

	now := s.now().UTC()
	next.Address = address
	next.UpdatedAt = now
	balance := strconv.FormatUint(next.Balance, 10)
	counter := strconv.FormatUint(next.Counter, 10)

	if found {
		next.CreatedAt = current.CreatedAt
		if _, err := tx.ExecContext(ctx, updateAccount, address, balance, counter, now); err != nil {
			return current, fmt.Errorf("update account: %w", err)
		}
	} else {
		next.CreatedAt = now
		res, err := tx.ExecContext(ctx, insertAccount, address, balance, counter, now)
		if err != nil {
			return current, fmt.Errorf("insert account: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return current, errConcurrentCreate
		}
	}

	if entry.ID != "" {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, insertEntry,
			entry.ID, address, string(entry.Kind), int16(entry.Direction),
			strconv.FormatUint(entry.Amount, 10), strconv.FormatUint(entry.Counter, 10),
			strconv.FormatUint(entry.Balance, 10), entry.Relayer, entry.CreatedAt,
		); err != nil {
			return current, fmt.Errorf("insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) Entries(ctx context.Context, address string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 || limit > DefaultEntriesLimit {
		limit = DefaultEntriesLimit
	}
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, selectEntries, address, limit); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	out := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry(address)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var row struct {
		Accounts     int64  `db:"accounts"`
		TotalBalance string `db:"total_balance"`
	}
	if err := s.db.GetContext(ctx, &row, selectStats); err != nil {
		return ledger.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	total, err := strconv.ParseUint(row.TotalBalance, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return ledger.Stats{}, fmt.Errorf("%w: total balance %s", ledger.ErrBalanceOverflow, row.TotalBalance)
	}
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("parse total balance: %w", err)
	}
	return ledger.Stats{Accounts: row.Accounts, TotalBalance: total}, nil
}
