// Package orderbook is the per-user collection of limit orders: creation,
// listing and the conditional status transition every fill and cancel
// goes through. It is not a matching book; orders never meet each other.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

// ErrOrderNotPending is returned when a cancel loses the transition race,
// or the order already reached a terminal state.
var ErrOrderNotPending = errors.New("orderbook: order is not pending")

// Book reads and transitions limit orders in a Store.
type Book struct {
	store store.Store
	now   func() time.Time
}

// New creates an order book over st.
func New(st store.Store) *Book {
	return &Book{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Now returns the book's clock reading.
func (b *Book) Now() time.Time {
	return b.now()
}

// Create assigns an ID and creation time, marks the order PENDING and
// persists it.
func (b *Book) Create(ctx context.Context, o *model.LimitOrder) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Status = model.StatusPending
	o.CreatedAt = b.now()
	o.FilledAt = nil
	o.FillPrice = decimal.Zero
	return b.store.CreateOrder(ctx, o)
}

// Get returns one order.
func (b *Book) Get(ctx context.Context, id string) (*model.LimitOrder, error) {
	return b.store.GetOrder(ctx, id)
}

// List returns the user's orders newest first, filtered by status.
func (b *Book) List(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error) {
	return b.store.ListOrders(ctx, userID, statuses...)
}

// Active returns the orders a user still sees: PENDING and FILLED.
func (b *Book) Active(ctx context.Context, userID string) ([]model.LimitOrder, error) {
	return b.store.ListOrders(ctx, userID, model.StatusPending, model.StatusFilled)
}

// Pending returns the user's PENDING orders.
func (b *Book) Pending(ctx context.Context, userID string) ([]model.LimitOrder, error) {
	return b.store.ListOrders(ctx, userID, model.StatusPending)
}

// AllPending returns every PENDING order across users.
func (b *Book) AllPending(ctx context.Context) ([]model.LimitOrder, error) {
	return b.store.ListPendingOrders(ctx)
}

// LockedShares sums the shares of the user's PENDING SELL orders on
// marketID, skipping excludeOrderID.
func (b *Book) LockedShares(ctx context.Context, userID, marketID, excludeOrderID string) (decimal.Decimal, error) {
	pending, err := b.Pending(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	locked := decimal.Zero
	for _, o := range pending {
		if o.MarketID == marketID && o.OrderType == model.Sell && o.ID != excludeOrderID {
			locked = locked.Add(o.Shares)
		}
	}
	return locked, nil
}

// PendingBuyShares sums the shares of the user's PENDING BUY orders per target.
func (b *Book) PendingBuyShares(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	pending, err := b.Pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, o := range pending {
		if o.OrderType == model.Buy {
			out[o.MarketID] = out[o.MarketID].Add(o.Shares)
		}
	}
	return out, nil
}

// Transition attempts the compare-and-set from one status to another.
// It reports false with a nil error when the order was no longer in
// status from: the caller lost the race and must do nothing further.
func (b *Book) Transition(ctx context.Context, orderID string, from, to model.OrderStatus, tr model.OrderTransition) (bool, error) {
	if from.Terminal() {
		return false, fmt.Errorf("orderbook: cannot transition out of %s", from)
	}
	if !to.Valid() || to == from {
		return false, fmt.Errorf("orderbook: invalid target status %q", to)
	}
	n, err := b.store.TransitionOrderStatus(ctx, orderID, from, to, tr)
	if err != nil {
		return false, fmt.Errorf("transition order %s: %w", orderID, err)
	}
	return n == 1, nil
}
