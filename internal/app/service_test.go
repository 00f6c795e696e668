package app

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
	"github.com/corebank/ledger-service/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore(), nil, "ledger.events")
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal literal %q: %v", value, err)
	}
	return d
}

func mustCreateAccount(t *testing.T, svc *Service, number, balance string) {
	t.Helper()
	err := svc.CreateAccount(context.Background(), domain.NewAccount{Number: number, Balance: dec(t, balance)})
	if err != nil {
		t.Fatalf("failed to create account %s: %v", number, err)
	}
}

func accountBalance(t *testing.T, svc *Service, number string) decimal.Decimal {
	t.Helper()
	account, err := svc.GetAccount(context.Background(), number)
	if err != nil {
		t.Fatalf("failed to read account %s: %v", number, err)
	}
	return account.Balance
}

func TestCreateAccount_Validation(t *testing.T) {
	tests := []struct {
		name    string
		number  string
		balance string
		wantErr error
	}{
		{name: "zero balance is allowed", number: "NL91ABNA0417164300", balance: "0.00", wantErr: nil},
		{name: "negative balance is rejected", number: "NL91ABNA0417164301", balance: "-1.00", wantErr: ErrInvalidAmount},
		{name: "more than 2 decimal places is rejected", number: "NL91ABNA0417164302", balance: "10.123", wantErr: ErrInvalidAmount},
		{name: "missing number is rejected", number: "", balance: "1.00", wantErr: ErrUnknownAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			err := svc.CreateAccount(context.Background(), domain.NewAccount{Number: tt.number, Balance: dec(t, tt.balance)})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateAccount_DuplicateNumber(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "ACC-1", "100.00")

	err := svc.CreateAccount(context.Background(), domain.NewAccount{Number: "ACC-1", Balance: dec(t, "0.00")})
	if !errors.Is(err, store.ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestGetAccount_Unknown(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetAccount(context.Background(), "NO-SUCH-ACCOUNT")
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCreateTransfer_MovesFunds(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "A", "100.00")
	mustCreateAccount(t, svc, "B", "50.00")

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "30.00"),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if got := accountBalance(t, svc, "A"); !got.Equal(dec(t, "70.00")) {
		t.Errorf("expected A=70.00, got %s", got)
	}
	if got := accountBalance(t, svc, "B"); !got.Equal(dec(t, "80.00")) {
		t.Errorf("expected B=80.00, got %s", got)
	}
}

func TestCreateTransfer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		amount  string
		wantErr error
	}{
		{name: "same source and destination", from: "A", to: "A", amount: "10.00", wantErr: ErrSameAccount},
		{name: "zero amount", from: "A", to: "B", amount: "0.00", wantErr: ErrInvalidAmount},
		{name: "negative amount", from: "A", to: "B", amount: "-5.00", wantErr: ErrInvalidAmount},
		{name: "more than 2 decimal places", from: "A", to: "B", amount: "1.005", wantErr: ErrInvalidAmount},
		{name: "unknown source", from: "GHOST", to: "B", amount: "10.00", wantErr: ErrUnknownAccount},
		{name: "unknown destination", from: "A", to: "GHOST", amount: "10.00", wantErr: ErrUnknownAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			mustCreateAccount(t, svc, "A", "100.00")
			mustCreateAccount(t, svc, "B", "50.00")

			err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
				FromAccount: tt.from, ToAccount: tt.to, Amount: dec(t, tt.amount),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}

			// Failed transfers must leave balances untouched.
			if got := accountBalance(t, svc, "A"); !got.Equal(dec(t, "100.00")) {
				t.Errorf("A changed after failed transfer: %s", got)
			}
			if got := accountBalance(t, svc, "B"); !got.Equal(dec(t, "50.00")) {
				t.Errorf("B changed after failed transfer: %s", got)
			}
		})
	}
}

func TestCreateTransfer_InsufficientFunds(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "A", "70.00")
	mustCreateAccount(t, svc, "B", "50.00")

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "1000.00"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if got := accountBalance(t, svc, "A"); !got.Equal(dec(t, "70.00")) {
		t.Errorf("A changed after rejected transfer: %s", got)
	}
	if got := accountBalance(t, svc, "B"); !got.Equal(dec(t, "50.00")) {
		t.Errorf("B changed after rejected transfer: %s", got)
	}
}

func TestCreateTransfer_ConservesTotalBalance(t *testing.T) {
	svc := newTestService(t)
	numbers := []string{"P", "Q", "R", "S", "T"}
	for _, n := range numbers {
		mustCreateAccount(t, svc, n, "500.00")
	}
	startTotal := dec(t, "2500.00")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		from := numbers[rng.Intn(len(numbers))]
		to := numbers[rng.Intn(len(numbers))]
		if from == to {
			continue
		}
		amount := decimal.New(int64(rng.Intn(20000)+1), -2) // 0.01 .. 200.00
		err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
			FromAccount: from, ToAccount: to, Amount: amount,
		})
		if err != nil && !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}

	total := decimal.Zero
	for _, n := range numbers {
		total = total.Add(accountBalance(t, svc, n))
	}
	if !total.Equal(startTotal) {
		t.Fatalf("total balance not conserved: started with %s, ended with %s", startTotal, total)
	}
}

func TestCreateTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "A", "10000.00")
	mustCreateAccount(t, svc, "B", "10000.00")

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	run := func(from, to string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
				FromAccount: from, ToAccount: to, Amount: dec(t, "1.00"),
			})
			if err != nil && !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected transfer error: %v", err)
				return
			}
		}
	}
	go run("A", "B")
	go run("B", "A")

	waitOrFail(t, &wg, 30*time.Second)

	total := accountBalance(t, svc, "A").Add(accountBalance(t, svc, "B"))
	if !total.Equal(dec(t, "20000.00")) {
		t.Fatalf("total balance not conserved under opposed transfers: %s", total)
	}
}

func TestCreateTransfer_ConcurrentOverdrawNeverGoesNegative(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "POOR", "10.00")
	mustCreateAccount(t, svc, "RICH", "0.00")

	const attempts = 50
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			errs <- svc.CreateTransfer(context.Background(), domain.NewTransfer{
				FromAccount: "POOR", ToAccount: "RICH", Amount: dec(t, "10.00"),
			})
		}()
	}
	waitOrFail(t, &wg, 30*time.Second)
	close(errs)

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful overdraw attempt, got %d", successes)
	}

	if got := accountBalance(t, svc, "POOR"); got.IsNegative() {
		t.Fatalf("balance went negative under concurrent overdraw: %s", got)
	}
	total := accountBalance(t, svc, "POOR").Add(accountBalance(t, svc, "RICH"))
	if !total.Equal(dec(t, "10.00")) {
		t.Fatalf("total balance not conserved: %s", total)
	}
}

func TestCreateTransfer_CyclicConcurrentTransfersPreserveBalances(t *testing.T) {
	svc := newTestService(t)
	numbers := []string{"W", "X", "Y", "Z"}
	for _, n := range numbers {
		mustCreateAccount(t, svc, n, "1000000.00")
	}

	// 250 rounds of a full W->X->Y->Z->W cycle: 1000 interleaved transfers.
	// Each round moves the same amount along every edge, so every account's
	// net position is zero once all transfers complete.
	const rounds = 250
	rng := rand.New(rand.NewSource(7))
	amounts := make([]decimal.Decimal, rounds)
	for i := range amounts {
		amounts[i] = decimal.New(int64(rng.Intn(9999)+1), -2) // 0.01 .. 99.99
	}

	var wg sync.WaitGroup
	wg.Add(rounds * len(numbers))
	for i := 0; i < rounds; i++ {
		for j := range numbers {
			go func(amount decimal.Decimal, from, to string) {
				defer wg.Done()
				err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
					FromAccount: from, ToAccount: to, Amount: amount,
				})
				if err != nil {
					t.Errorf("cyclic transfer %s->%s failed: %v", from, to, err)
				}
			}(amounts[i], numbers[j], numbers[(j+1)%len(numbers)])
		}
	}
	waitOrFail(t, &wg, 60*time.Second)

	for _, n := range numbers {
		if got := accountBalance(t, svc, n); !got.Equal(dec(t, "1000000.00")) {
			t.Errorf("account %s ended at %s, expected starting balance 1000000.00", n, got)
		}
	}
}

func TestCreateTransfer_PublishesCompletedEvent(t *testing.T) {
	st := store.NewMemoryStore()
	publisher := &fakePublisher{}
	svc := NewService(st, publisher, "ledger.events")

	mustCreateAccount(t, svc, "A", "100.00")
	mustCreateAccount(t, svc, "B", "0.00")

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "25.00"),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(publisher.published))
	}
	got := publisher.published[0]
	if got.exchange != "ledger.events" || got.routingKey != "transfer.completed" {
		t.Errorf("unexpected event destination: exchange=%s routing_key=%s", got.exchange, got.routingKey)
	}
}

func TestCreateTransfer_NoEventOnFailure(t *testing.T) {
	st := store.NewMemoryStore()
	publisher := &fakePublisher{}
	svc := NewService(st, publisher, "ledger.events")

	mustCreateAccount(t, svc, "A", "10.00")
	mustCreateAccount(t, svc, "B", "0.00")

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "25.00"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("expected no events for a failed transfer, got %d", len(publisher.published))
	}
}

func TestCreateTransfer_RateLimited(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "A", "100.00")
	mustCreateAccount(t, svc, "B", "0.00")
	svc.SetTransferRateLimiter(&fakeLimiter{count: 6, retryAfter: 42}, 5)

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "1.00"),
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after of 42s, got %v", err)
	}
	if got := accountBalance(t, svc, "A"); !got.Equal(dec(t, "100.00")) {
		t.Errorf("balance changed on rate-limited transfer: %s", got)
	}
}

func TestCreateTransfer_LimiterErrorAllowsTransfer(t *testing.T) {
	svc := newTestService(t)
	mustCreateAccount(t, svc, "A", "100.00")
	mustCreateAccount(t, svc, "B", "0.00")
	svc.SetTransferRateLimiter(&fakeLimiter{err: errors.New("redis down")}, 5)

	err := svc.CreateTransfer(context.Background(), domain.NewTransfer{
		FromAccount: "A", ToAccount: "B", Amount: dec(t, "1.00"),
	})
	if err != nil {
		t.Fatalf("expected transfer to proceed when limiter is unavailable, got %v", err)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("concurrent transfers did not complete; possible deadlock")
	}
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (f *fakePublisher) Close() {}

type fakeLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (f *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return f.count, f.retryAfter, f.err
}
