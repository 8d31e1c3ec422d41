package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newBook(t *testing.T) (*Book, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.CreateUser(context.Background(), &model.User{ID: "u1", Balance: d(100)})
	b := New(ms)
	clock := time.Date(2026, 2, 8, 18, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return b, ms
}

func place(t *testing.T, b *Book, typ model.OrderType, market string, shares float64) *model.LimitOrder {
	t.Helper()
	o := &model.LimitOrder{UserID: "u1", MarketID: market, OrderType: typ, Shares: d(shares), LimitPrice: d(0.5)}
	if err := b.Create(context.Background(), o); err != nil {
		t.Fatalf("create: %v", err)
	}
	return o
}

func TestCreate_AssignsIdentity(t *testing.T) {
	b, _ := newBook(t)
	o := place(t, b, model.Buy, "m1", 5)

	if o.ID == "" || o.CreatedAt.IsZero() {
		t.Error("expected ID and CreatedAt to be assigned")
	}
	if o.Status != model.StatusPending {
		t.Errorf("expected PENDING, got %s", o.Status)
	}
}

func TestLockedShares(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()

	s1 := place(t, b, model.Sell, "m1", 3)
	place(t, b, model.Sell, "m1", 2)
	place(t, b, model.Sell, "m1_no", 7)
	place(t, b, model.Buy, "m1", 11)

	locked, _ := b.LockedShares(ctx, "u1", "m1", "")
	if !locked.Equal(d(5)) {
		t.Errorf("expected 5 locked shares, got %s", locked)
	}

	locked, _ = b.LockedShares(ctx, "u1", "m1", s1.ID)
	if !locked.Equal(d(2)) {
		t.Errorf("expected 2 locked shares excluding s1, got %s", locked)
	}

	b.Transition(ctx, s1.ID, model.StatusPending, model.StatusCancelled, model.OrderTransition{})
	locked, _ = b.LockedShares(ctx, "u1", "m1", "")
	if !locked.Equal(d(2)) {
		t.Errorf("cancelled sells must not lock shares, got %s", locked)
	}
}

func TestPendingBuyShares(t *testing.T) {
	b, _ := newBook(t)
	place(t, b, model.Buy, "m1", 3)
	place(t, b, model.Buy, "m1", 4)
	place(t, b, model.Sell, "m1", 10)

	pending, _ := b.PendingBuyShares(context.Background(), "u1")
	if !pending["m1"].Equal(d(7)) {
		t.Errorf("expected 7 pending buy shares, got %s", pending["m1"])
	}
}

func TestTransition_LostRaceIsNotAnError(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()
	o := place(t, b, model.Buy, "m1", 5)

	won, err := b.Transition(ctx, o.ID, model.StatusPending, model.StatusFilled, model.OrderTransition{})
	if err != nil || !won {
		t.Fatalf("first transition should win, got %v (%v)", won, err)
	}
	won, err = b.Transition(ctx, o.ID, model.StatusPending, model.StatusCancelled, model.OrderTransition{})
	if err != nil || won {
		t.Errorf("second transition should silently lose, got %v (%v)", won, err)
	}
}

func TestTransition_RejectsTerminalSource(t *testing.T) {
	b, _ := newBook(t)
	o := place(t, b, model.Buy, "m1", 5)

	if _, err := b.Transition(context.Background(), o.ID, model.StatusFilled, model.StatusPending, model.OrderTransition{}); err == nil {
		t.Error("transition out of a terminal state must be rejected")
	}
	if _, err := b.Transition(context.Background(), o.ID, model.StatusPending, model.StatusPending, model.OrderTransition{}); err == nil {
		t.Error("self transition must be rejected")
	}
}

func TestActive_HidesCancelled(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()

	o1 := place(t, b, model.Buy, "m1", 1)
	o2 := place(t, b, model.Buy, "m1", 2)
	o3 := place(t, b, model.Buy, "m1", 3)
	b.Transition(ctx, o1.ID, model.StatusPending, model.StatusFilled, model.OrderTransition{})
	b.Transition(ctx, o2.ID, model.StatusPending, model.StatusCancelled, model.OrderTransition{})

	active, _ := b.Active(ctx, "u1")
	if len(active) != 2 {
		t.Fatalf("expected 2 active orders, got %d", len(active))
	}
	if active[0].ID != o3.ID || active[1].ID != o1.ID {
		t.Errorf("expected newest first [o3, o1], got [%s, %s]", active[0].ID, active[1].ID)
	}
}
