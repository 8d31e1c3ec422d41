// Package wallet mutates user balances.
//
// Every balance change is a read, a Round2 computation, and a
// compare-and-set against the value that was read. A lost CAS means a
// concurrent writer changed the balance in between; the change is
// recomputed from the fresh value and retried.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

const maxRetries = 8

var (
	// ErrInsufficientFunds is returned when a debit would leave the balance negative.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrBalanceContention is returned when every CAS attempt lost to a concurrent writer.
	ErrBalanceContention = errors.New("wallet: balance update contended")

	ErrNegativeAmount = errors.New("wallet: amount must not be negative")
)

// Wallet applies balance credits and debits through a Store.
type Wallet struct {
	store store.Store
}

// New creates a wallet over st.
func New(st store.Store) *Wallet {
	return &Wallet{store: st}
}

// Balance returns the user's current balance.
func (w *Wallet) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return w.store.ReadBalance(ctx, userID)
}

// Credit adds amount to the balance and returns the new balance.
func (w *Wallet) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return w.adjust(ctx, userID, amount)
}

// Debit subtracts amount from the balance and returns the new balance.
// The balance is left untouched when it holds less than amount.
func (w *Wallet) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return w.adjust(ctx, userID, amount.Neg())
}

func (w *Wallet) adjust(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := w.store.ReadBalance(ctx, userID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("read balance: %w", err)
		}
		if delta.IsZero() {
			return current, nil
		}

		next := model.Round2(current.Add(delta))
		if next.IsNegative() {
			return current, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, current.StringFixed(2), delta.Neg().StringFixed(2))
		}

		n, err := w.store.CompareAndSetBalance(ctx, userID, current, next)
		if err != nil {
			return decimal.Zero, fmt.Errorf("write balance: %w", err)
		}
		if n == 1 {
			return next, nil
		}
		metrics.BalanceContention.Inc()
		if err := ctx.Err(); err != nil {
			return decimal.Zero, err
		}
	}
	return decimal.Zero, fmt.Errorf("%w: user %s", ErrBalanceContention, userID)
}
