/**
 * @description
 * This file provides the in-memory implementation of the `Store` interface.
 * It substitutes the database's row-level locks with one mutex per account,
 * honouring the same contract: an exclusive locked read blocks competing
 * transactions on the same account until the holding transaction ends, and
 * the engine is expected to acquire locks in a fixed total order.
 *
 * Writes are staged on the transaction and applied under a short store-wide
 * lock at commit, so plain reads never block behind a long-running transfer
 * and no partial state is observable. Rollback discards staged writes and
 * releases row locks.
 *
 * The mutexes come from sasha-s/go-deadlock, which behaves like sync.Mutex
 * but detects lock-order cycles at runtime. A bug that reintroduced
 * request-order locking in the engine would surface as a detected deadlock
 * in the concurrency tests instead of a hang.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/sasha-s/go-deadlock: Deadlock-detecting mutexes.
 * - github.com/shopspring/decimal: Fixed-point balances.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

// MemoryStore is a concrete implementation of the Store interface backed by
// process memory. Selected with STORE_DRIVER=memory; also the store the test
// suite runs the engine's concurrency properties against.
type MemoryStore struct {
	mu        deadlock.RWMutex // guards the maps and all committed state
	accounts  map[string]*memAccount
	transfers []domain.Transfer
	nextID    int64
}

// memAccount is one account row. The row mutex is the exclusive lock of the
// store contract: held from FindAccountForUpdate until the transaction ends.
// The balance itself is only read or written under the store-wide mutex.
type memAccount struct {
	row     deadlock.Mutex
	number  string
	balance decimal.Decimal
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

// WithinTx runs fn against a staged transaction. Commit applies all staged
// writes as one group under the store-wide lock; any error or panic rolls
// back, which discards staged writes, removes reserved inserts and releases
// every row lock.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	mtx := &memoryTx{
		store:    s,
		locked:   make(map[string]*memAccount),
		balances: make(map[string]decimal.Decimal),
	}

	committed := false
	defer func() {
		if !committed {
			mtx.rollback()
		}
	}()

	if err := fn(mtx); err != nil {
		return err
	}
	mtx.commit()
	committed = true
	return nil
}

// FindAccount reads committed state without touching row locks, so lookups
// never queue behind in-flight transfers.
func (s *MemoryStore) FindAccount(ctx context.Context, number string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[number]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &domain.Account{Number: acc.number, Balance: acc.balance}, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// memoryTx is one open transaction: the set of row locks it holds plus its
// staged, not-yet-visible writes.
type memoryTx struct {
	store     *MemoryStore
	locked    map[string]*memAccount
	lockOrder []*memAccount
	balances  map[string]decimal.Decimal
	inserted  []string
	transfers []*domain.Transfer
}

func (t *memoryTx) FindAccount(ctx context.Context, number string) (*domain.Account, error) {
	return t.store.FindAccount(ctx, number)
}

func (t *memoryTx) FindAccountForUpdate(ctx context.Context, number string) (*domain.Account, error) {
	if acc, ok := t.locked[number]; ok {
		return t.snapshot(acc), nil
	}

	t.store.mu.RLock()
	acc, ok := t.store.accounts[number]
	t.store.mu.RUnlock()
	if !ok {
		// No lock is held on a non-existent row.
		return nil, ErrAccountNotFound
	}

	// Block on the row lock without holding the store-wide mutex; committers
	// need that mutex while still holding their row locks.
	acc.row.Lock()
	t.locked[number] = acc
	t.lockOrder = append(t.lockOrder, acc)
	return t.snapshot(acc), nil
}

func (t *memoryTx) InsertAccount(ctx context.Context, account *domain.Account) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.accounts[account.Number]; exists {
		return ErrDuplicateAccount
	}
	// Insert immediately so concurrent transactions see the duplicate; the
	// row is removed again if this transaction rolls back.
	t.store.accounts[account.Number] = &memAccount{number: account.Number, balance: account.Balance}
	t.inserted = append(t.inserted, account.Number)
	return nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, number string, balance decimal.Decimal) error {
	if _, ok := t.locked[number]; !ok {
		t.store.mu.RLock()
		_, exists := t.store.accounts[number]
		t.store.mu.RUnlock()
		if !exists {
			return ErrAccountNotFound
		}
	}
	t.balances[number] = balance
	return nil
}

func (t *memoryTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	// The sequence id and timestamp are assigned at commit, when the record
	// becomes visible.
	t.transfers = append(t.transfers, transfer)
	return nil
}

// snapshot reads an account's effective state within this transaction:
// committed balance overlaid with this transaction's staged write.
func (t *memoryTx) snapshot(acc *memAccount) *domain.Account {
	t.store.mu.RLock()
	balance := acc.balance
	t.store.mu.RUnlock()
	if staged, ok := t.balances[acc.number]; ok {
		balance = staged
	}
	return &domain.Account{Number: acc.number, Balance: balance}
}

// commit applies every staged write as one group, then releases row locks.
func (t *memoryTx) commit() {
	t.store.mu.Lock()
	for number, balance := range t.balances {
		if acc, ok := t.store.accounts[number]; ok {
			acc.balance = balance
		}
	}
	for _, transfer := range t.transfers {
		t.store.nextID++
		transfer.ID = t.store.nextID
		transfer.CreatedAt = time.Now().UTC()
		t.store.transfers = append(t.store.transfers, *transfer)
	}
	t.store.mu.Unlock()
	t.releaseLocks()
}

// rollback discards staged writes, removes reserved inserts and releases row
// locks. Nothing this transaction did is observable afterwards.
func (t *memoryTx) rollback() {
	if len(t.inserted) > 0 {
		t.store.mu.Lock()
		for _, number := range t.inserted {
			delete(t.store.accounts, number)
		}
		t.store.mu.Unlock()
	}
	t.balances = nil
	t.transfers = nil
	t.releaseLocks()
}

func (t *memoryTx) releaseLocks() {
	for i := len(t.lockOrder) - 1; i >= 0; i-- {
		t.lockOrder[i].row.Unlock()
	}
	t.lockOrder = nil
	t.locked = nil
}
