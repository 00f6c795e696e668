/**
 * @description
 * This file defines the `Store` and `Tx` interfaces, which specify the contract
 * the transfer engine requires from the ledger's persistence layer. By defining
 * interfaces, the business logic is decoupled from the concrete database
 * implementation (PostgreSQL or in-memory), making the code modular and easy to
 * test.
 *
 * The transfer engine controls the transactional scope: it opens a transaction
 * via `WithinTx`, performs locked reads and writes against the `Tx` it is
 * handed, and the store commits on a nil return or rolls back on any error or
 * panic. Row locks taken inside the transaction are released when the
 * transaction ends, on every exit path.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/shopspring/decimal: Fixed-point balances.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDuplicateAccount = errors.New("account number already exists")
)

// Store is the ledger persistence contract consumed by the transfer engine.
type Store interface {
	// WithinTx runs fn inside a single atomic transaction. The transaction
	// commits when fn returns nil and rolls back otherwise; row locks acquired
	// through the Tx are held until the transaction ends.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// FindAccount is a plain read outside any transaction. It takes no lock
	// and returns ErrAccountNotFound for unknown numbers.
	FindAccount(ctx context.Context, number string) (*domain.Account, error)

	// Close releases the store's underlying resources.
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// FindAccount reads an account without locking it.
	FindAccount(ctx context.Context, number string) (*domain.Account, error)

	// FindAccountForUpdate reads an account and takes its exclusive row lock,
	// held for the remainder of the transaction. Competing transactions block
	// on their own locked read of the same row until this transaction ends.
	// Returns ErrAccountNotFound for unknown numbers; no lock is held on a
	// non-existent row.
	FindAccountForUpdate(ctx context.Context, number string) (*domain.Account, error)

	// InsertAccount creates a new account row. Returns ErrDuplicateAccount if
	// the number is already taken.
	InsertAccount(ctx context.Context, account *domain.Account) error

	// UpdateBalance overwrites the balance of an already-locked row.
	UpdateBalance(ctx context.Context, number string, balance decimal.Decimal) error

	// InsertTransfer appends a transfer record. The store assigns the sequence
	// ID and creation timestamp, filling them in on the passed struct.
	InsertTransfer(ctx context.Context, transfer *domain.Transfer) error
}
