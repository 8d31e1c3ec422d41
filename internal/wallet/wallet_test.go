package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newWallet(t *testing.T, balance float64) (*Wallet, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	err := ms.CreateUser(context.Background(), &model.User{ID: "u1", Balance: d(balance), CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return New(ms), ms
}

func TestDebit(t *testing.T) {
	w, _ := newWallet(t, 100)

	bal, err := w.Debit(context.Background(), "u1", d(8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(d(92)) {
		t.Errorf("expected 92.00, got %s", bal)
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	w, ms := newWallet(t, 5)

	_, err := w.Debit(context.Background(), "u1", d(5.01))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := ms.ReadBalance(context.Background(), "u1")
	if !bal.Equal(d(5)) {
		t.Errorf("balance must be untouched, got %s", bal)
	}
}

func TestDebit_ExactBalance(t *testing.T) {
	w, _ := newWallet(t, 1.5)

	bal, err := w.Debit(context.Background(), "u1", d(1.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
}

func TestCredit_RoundsToCents(t *testing.T) {
	w, _ := newWallet(t, 92)

	bal, err := w.Credit(context.Background(), "u1", d(1.005))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(d(93.01)) {
		t.Errorf("expected 93.01, got %s", bal)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	w, _ := newWallet(t, 10)

	if _, err := w.Credit(context.Background(), "u1", d(-1)); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
	if _, err := w.Debit(context.Background(), "u1", d(-1)); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestUnknownUser(t *testing.T) {
	w, _ := newWallet(t, 10)

	if _, err := w.Credit(context.Background(), "ghost", d(1)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

// contendedStore fails the first n balance CAS attempts.
type contendedStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
}

func (s *contendedStore) CompareAndSetBalance(ctx context.Context, userID string, expected, next decimal.Decimal) (int64, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()
	return s.MemoryStore.CompareAndSetBalance(ctx, userID, expected, next)
}

func TestRetryOnLostCAS(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.CreateUser(context.Background(), &model.User{ID: "u1", Balance: d(10)})
	cs := &contendedStore{MemoryStore: ms, fails: 3}

	bal, err := New(cs).Credit(context.Background(), "u1", d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(d(11)) {
		t.Errorf("expected 11, got %s", bal)
	}
}

func TestContentionGivesUp(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.CreateUser(context.Background(), &model.User{ID: "u1", Balance: d(10)})
	cs := &contendedStore{MemoryStore: ms, fails: maxRetries}

	_, err := New(cs).Credit(context.Background(), "u1", d(1))
	if !errors.Is(err, ErrBalanceContention) {
		t.Errorf("expected ErrBalanceContention, got %v", err)
	}
}

func TestConcurrentCreditsAreNotLost(t *testing.T) {
	w, ms := newWallet(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; {
				_, err := w.Credit(context.Background(), "u1", d(0.01))
				if errors.Is(err, ErrBalanceContention) {
					continue // some other writer made progress
				}
				if err != nil {
					t.Errorf("credit: %v", err)
					return
				}
				j++
			}
		}()
	}
	wg.Wait()

	bal, _ := ms.ReadBalance(context.Background(), "u1")
	if !bal.Equal(d(1)) {
		t.Errorf("expected 1.00 after 100 credits of 0.01, got %s", bal)
	}
}
