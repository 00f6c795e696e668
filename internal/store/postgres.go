/**
 * @description
 * This file provides the PostgreSQL implementation of the `Store` interface.
 * Accounts live in an `accounts` table keyed by account number; transfers are
 * an append-only `transfers` table with a bigserial sequence id. Exclusive row
 * locking is `SELECT ... FOR UPDATE`, held until the surrounding transaction
 * commits or rolls back.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Fixed-point balances (numeric(20,2)).
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

// PostgresStore is a concrete implementation of the Store interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new instance of PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the ledger tables when they do not exist yet. Balances
// and amounts are numeric(20,2): exact fixed-point with 2 fractional digits.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			number     varchar(34) PRIMARY KEY,
			balance    numeric(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at timestamptz NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS transfers (
			id           bigserial PRIMARY KEY,
			from_account varchar(34) NOT NULL REFERENCES accounts(number),
			to_account   varchar(34) NOT NULL REFERENCES accounts(number),
			amount       numeric(20,2) NOT NULL CHECK (amount > 0),
			created_at   timestamptz NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a single database transaction. The deferred rollback
// is a no-op after a successful commit, so locks and the connection are
// released on every exit path, including panics.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindAccount retrieves an account by number without locking it.
func (s *PostgresStore) FindAccount(ctx context.Context, number string) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		"SELECT number, balance FROM accounts WHERE number = $1", number))
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// postgresTx adapts one pgx transaction to the Tx contract.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) FindAccount(ctx context.Context, number string) (*domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		"SELECT number, balance FROM accounts WHERE number = $1", number))
}

func (t *postgresTx) FindAccountForUpdate(ctx context.Context, number string) (*domain.Account, error) {
	// FOR UPDATE locks the row until the transaction ends, blocking competing
	// locked reads and writes of the same account.
	return scanAccount(t.tx.QueryRow(ctx,
		"SELECT number, balance FROM accounts WHERE number = $1 FOR UPDATE", number))
}

func (t *postgresTx) InsertAccount(ctx context.Context, account *domain.Account) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (number, balance) VALUES ($1, $2)",
		account.Number, account.Balance)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateBalance(ctx context.Context, number string, balance decimal.Decimal) error {
	result, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1 WHERE number = $2", balance, number)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transfers (from_account, to_account, amount)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		transfer.FromAccount, transfer.ToAccount, transfer.Amount,
	).Scan(&transfer.ID, &transfer.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer record: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	if err := row.Scan(&account.Number, &account.Balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// IsTransient reports whether err is a store-level failure that is safe to
// retry by re-executing the whole operation: lock-wait timeouts, deadlock
// detection, serialization failures, cancelled statements. Committed state is
// never partial, so callers may simply resubmit.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement/lock timeout)
			return true
		}
	}
	return false
}
