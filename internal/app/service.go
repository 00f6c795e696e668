/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct is the transfer engine: it validates account creation and
 * transfer requests and executes them atomically against the ledger store.
 *
 * Key features:
 * - Cheap validation (same account, non-positive amount) before any lock is
 *   taken, so requests that can never succeed add no lock contention.
 * - Deadlock-avoidance: the two account row locks are always acquired in
 *   lexicographic account-number order, never in request order. Opposite
 *   transfers between the same pair serialize instead of deadlocking.
 * - Existence and sufficiency are re-checked under the locks, then the
 *   transfer record, debit and credit commit as a single transaction.
 *
 * The engine holds no state across calls; all durable state belongs to the
 * store, all concurrency to the request-handling layer and the store's locks.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Event identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/corebank/ledger-service/internal/domain"
	"github.com/corebank/ledger-service/internal/store"
	"github.com/corebank/ledger-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameAccount       = errors.New("source and destination accounts are the same")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("transfer rate limit exceeded")
)

// RateLimiter is the consumption interface for the optional transfer rate
// limiter. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service is the transfer engine. It is safe for concurrent use: every
// operation opens its own store transaction and keeps no state between calls.
type Service struct {
	store           store.Store
	events          rabbitmq.Publisher
	eventExchange   string
	limiter         RateLimiter
	transfersPerMin int
}

// NewService creates a new transfer engine backed by the given store. The
// publisher may be nil, in which case no events are emitted.
func NewService(st store.Store, events rabbitmq.Publisher, eventExchange string) *Service {
	return &Service{
		store:         st,
		events:        events,
		eventExchange: eventExchange,
	}
}

// SetTransferRateLimiter enables per-source-account rate limiting on
// CreateTransfer. A nil limiter or non-positive limit disables it.
func (s *Service) SetTransferRateLimiter(limiter RateLimiter, transfersPerMinute int) {
	s.limiter = limiter
	s.transfersPerMin = transfersPerMinute
}

// GetAccount is a read-only lookup with no side effects. Unknown numbers
// surface store.ErrAccountNotFound for the API layer to map to a not-found
// response.
func (s *Service) GetAccount(ctx context.Context, number string) (*domain.Account, error) {
	return s.store.FindAccount(ctx, number)
}

// CreateAccount creates a new account with the given initial balance. The
// balance is validated before the store call; store.ErrDuplicateAccount is
// surfaced unchanged when the number is already taken.
func (s *Service) CreateAccount(ctx context.Context, req domain.NewAccount) error {
	if req.Number == "" {
		return fmt.Errorf("%w: account number is required", ErrUnknownAccount)
	}
	if req.Balance.IsNegative() || !req.Balance.Equal(req.Balance.Round(2)) {
		return fmt.Errorf("%w: initial balance must be non-negative with at most 2 decimal places", ErrInvalidAmount)
	}

	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertAccount(ctx, &domain.Account{Number: req.Number, Balance: req.Balance})
	})
}

// CreateTransfer atomically moves req.Amount from the source account to the
// destination account and appends a transfer record. On success there is no
// payload; the committed record travels only on the published event.
func (s *Service) CreateTransfer(ctx context.Context, req domain.NewTransfer) error {
	// Validate before touching the store: these requests can never succeed,
	// so they must not contend for locks.
	if req.FromAccount == req.ToAccount {
		return ErrSameAccount
	}
	if req.Amount.Sign() <= 0 || !req.Amount.Equal(req.Amount.Round(2)) {
		return fmt.Errorf("%w: amount must be positive with at most 2 decimal places", ErrInvalidAmount)
	}

	if err := s.consumeTransferRateLimit(ctx, req.FromAccount); err != nil {
		return err
	}

	transfer := &domain.Transfer{
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		// Lock both rows in lexicographic account-number order, independent
		// of transfer direction, so that opposed transfers between the same
		// pair serialize on the first lock instead of deadlocking.
		first, second := req.FromAccount, req.ToAccount
		if second < first {
			first, second = second, first
		}

		firstAcc, err := lockAccount(ctx, tx, first)
		if err != nil {
			return err
		}
		secondAcc, err := lockAccount(ctx, tx, second)
		if err != nil {
			return err
		}

		// Existence is only settled now, under the locks.
		if firstAcc == nil || secondAcc == nil {
			return fmt.Errorf("%w: one or both accounts do not exist", ErrUnknownAccount)
		}

		from, to := firstAcc, secondAcc
		if from.Number != req.FromAccount {
			from, to = secondAcc, firstAcc
		}

		// Sufficiency is re-checked under the lock: the balance read above
		// cannot change until this transaction ends.
		if from.Balance.Cmp(req.Amount) < 0 {
			return ErrInsufficientFunds
		}

		if err := tx.InsertTransfer(ctx, transfer); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, from.Number, from.Balance.Sub(req.Amount)); err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, to.Number, to.Balance.Add(req.Amount))
	})
	if err != nil {
		return err
	}

	s.publishTransferCompleted(ctx, transfer)
	return nil
}

// lockAccount takes the exclusive row lock on one account, translating
// absence into a nil account so the caller can report both missing rows the
// same way after both acquisitions.
func lockAccount(ctx context.Context, tx store.Tx, number string) (*domain.Account, error) {
	account, err := tx.FindAccountForUpdate(ctx, number)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", number, err)
	}
	return account, nil
}

func (s *Service) consumeTransferRateLimit(ctx context.Context, sourceAccount string) error {
	if s.limiter == nil || s.transfersPerMin <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "transfer", sourceAccount, s.transfersPerMin, time.Minute)
	if err != nil {
		// The limiter is best-effort: an unavailable Redis must not block
		// money movement.
		log.Printf("level=warn component=app msg=\"transfer rate limit check failed; allowing request\" source=%s err=%v", sourceAccount, err)
		return nil
	}
	if count > s.transfersPerMin {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// RateLimitError reports a rejected transfer attempt together with the
// caller-facing retry hint. It matches ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// publishTransferCompleted emits a transfer.completed event after commit.
// Publishing is best-effort; a broker outage never fails a committed transfer.
func (s *Service) publishTransferCompleted(ctx context.Context, transfer *domain.Transfer) {
	if s.events == nil {
		return
	}
	event := rabbitmq.TransferEvent{
		EventID:     uuid.New(),
		TransferID:  transfer.ID,
		FromAccount: transfer.FromAccount,
		ToAccount:   transfer.ToAccount,
		Amount:      transfer.Amount,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, s.eventExchange, "transfer.completed", event); err != nil {
		log.Printf("level=warn component=app msg=\"transfer event publish failed\" transfer_id=%d err=%v", transfer.ID, err)
	}
}
