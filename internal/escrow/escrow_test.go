package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/correlation"
	"github.com/atmx/paper-exchange/internal/events"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/position"
	"github.com/atmx/paper-exchange/internal/store"
	"github.com/atmx/paper-exchange/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// failingOrders refuses every CreateOrder.
type failingOrders struct {
	*store.MemoryStore
}

func (failingOrders) CreateOrder(context.Context, *model.LimitOrder) error {
	return errors.New("disk full")
}

func seed(t *testing.T, st store.Store, balance float64) {
	t.Helper()
	if err := st.CreateUser(context.Background(), &model.User{ID: "u1", Balance: d(balance)}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func balance(t *testing.T, st store.Store) decimal.Decimal {
	t.Helper()
	b, err := st.ReadBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return b
}

func buyReq(shares, price float64) PlaceRequest {
	return PlaceRequest{UserID: "u1", MarketID: "548213", MarketName: "Rain in NYC", Shares: d(shares), LimitPrice: d(price)}
}

func TestPlaceBuyLimit_EscrowsFunds(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)

	o, err := m.PlaceBuyLimit(context.Background(), buyReq(20, 0.40))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !o.EscrowedAmount.Equal(d(8)) {
		t.Errorf("expected escrow 8.00, got %s", o.EscrowedAmount)
	}
	if o.Status != model.StatusPending {
		t.Errorf("expected PENDING, got %s", o.Status)
	}
	if b := balance(t, ms); !b.Equal(d(92)) {
		t.Errorf("expected balance 92.00, got %s", b)
	}
}

func TestPlaceBuyLimit_RoundsEscrow(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)

	// 3 × 0.335 = 1.005 → 1.01
	o, err := m.PlaceBuyLimit(context.Background(), buyReq(3, 0.335))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !o.EscrowedAmount.Equal(d(1.01)) {
		t.Errorf("expected escrow 1.01, got %s", o.EscrowedAmount)
	}
	if b := balance(t, ms); !b.Equal(d(98.99)) {
		t.Errorf("expected balance 98.99, got %s", b)
	}
}

func TestPlaceBuyLimit_InsufficientFunds(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 5)
	m := New(ms)

	_, err := m.PlaceBuyLimit(context.Background(), buyReq(20, 0.40))
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(5)) {
		t.Errorf("balance must be untouched, got %s", b)
	}
	if orders, _ := ms.ListOrders(context.Background(), "u1"); len(orders) != 0 {
		t.Errorf("no order should be created, got %d", len(orders))
	}
}

func TestPlaceBuyLimit_Validation(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)

	cases := []struct {
		name string
		req  PlaceRequest
	}{
		{"zero shares", buyReq(0, 0.4)},
		{"negative shares", buyReq(-1, 0.4)},
		{"zero price", buyReq(1, 0)},
		{"price one", buyReq(1, 1)},
		{"price above one", buyReq(1, 1.2)},
		{"bad target", PlaceRequest{UserID: "u1", MarketID: "has space", Shares: d(1), LimitPrice: d(0.5)}},
		{"missing user", PlaceRequest{MarketID: "548213", Shares: d(1), LimitPrice: d(0.5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.PlaceBuyLimit(context.Background(), tc.req); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("rejected orders must not move the balance, got %s", b)
	}
}

func TestPlaceBuyLimit_UnknownUser(t *testing.T) {
	m := New(store.NewMemoryStore())
	if _, err := m.PlaceBuyLimit(context.Background(), buyReq(1, 0.5)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceBuyLimit_CompensatesFailedCreate(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(failingOrders{ms})

	_, err := m.PlaceBuyLimit(context.Background(), buyReq(20, 0.40))
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected ErrStoreWrite, got %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("escrow must be refunded after a failed create, got %s", b)
	}
}

func TestPlaceBuyLimit_LimitsCountPendingBuys(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms, WithLimiter(correlation.NewPositionLimiter(d(30), decimal.Zero)))
	ctx := context.Background()

	if _, err := m.PlaceBuyLimit(ctx, buyReq(20, 0.1)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, err := m.PlaceBuyLimit(ctx, buyReq(11, 0.1))
	if !errors.Is(err, correlation.ErrPerTargetLimitExceeded) {
		t.Fatalf("expected ErrPerTargetLimitExceeded, got %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(98)) {
		t.Errorf("rejected buy must not escrow, got %s", b)
	}
}

func TestPlaceSellLimit_AvailableShares(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	ctx := context.Background()
	position.NewLedger(ms).ApplyFill(ctx, position.Fill{UserID: "u1", MarketID: "548213", Direction: model.Buy, Shares: d(10), Price: d(0.5)})
	m := New(ms)

	sell := buyReq(6, 0.6)
	o, err := m.PlaceSellLimit(ctx, sell)
	if err != nil {
		t.Fatalf("first sell: %v", err)
	}
	if !o.EscrowedAmount.IsZero() || o.OrderType != model.Sell {
		t.Errorf("sell must carry no escrow, got %+v", o)
	}

	avail, _ := m.AvailableShares(ctx, "u1", "548213")
	if !avail.Equal(d(4)) {
		t.Errorf("expected 4 available, got %s", avail)
	}

	if _, err := m.PlaceSellLimit(ctx, buyReq(5, 0.6)); !errors.Is(err, position.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := m.PlaceSellLimit(ctx, buyReq(4, 0.6)); err != nil {
		t.Errorf("selling exactly the available shares should pass, got %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("sells must not touch the balance, got %s", b)
	}
}

func TestPlaceSellLimit_NoPosition(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)

	if _, err := m.PlaceSellLimit(context.Background(), buyReq(1, 0.6)); !errors.Is(err, position.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

// Scenario C: place BUY 5 @ 0.30 then cancel before any tick crosses it.
func TestCancelOrder_RefundsExactEscrow(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	rec := events.NewRecorder(4)
	m := New(ms, WithPublisher(rec))
	ctx := context.Background()

	o, err := m.PlaceBuyLimit(ctx, buyReq(5, 0.30))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(98.5)) {
		t.Fatalf("expected 98.50 after escrow, got %s", b)
	}

	cancelled, err := m.CancelOrder(ctx, "u1", o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("expected balance restored to 100.00, got %s", b)
	}

	// The order can never fill afterwards.
	n, _ := ms.TransitionOrderStatus(ctx, o.ID, model.StatusPending, model.StatusFilled, model.OrderTransition{})
	if n != 0 {
		t.Error("a cancelled order must not transition to FILLED")
	}

	got := rec.Events()
	if len(got) != 1 || got[0].Type != events.KindCancel || !got[0].Amount.Equal(d(1.5)) {
		t.Errorf("expected one cancel event refunding 1.50, got %+v", got)
	}
}

func TestCancelOrder_Twice(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)
	ctx := context.Background()

	o, _ := m.PlaceBuyLimit(ctx, buyReq(5, 0.30))
	if _, err := m.CancelOrder(ctx, "u1", o.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := m.CancelOrder(ctx, "u1", o.ID); !errors.Is(err, ErrOrderNotPending) {
		t.Errorf("expected ErrOrderNotPending, got %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("escrow must be refunded once, got %s", b)
	}
}

func TestCancelOrder_NotOwner(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)
	ctx := context.Background()

	o, _ := m.PlaceBuyLimit(ctx, buyReq(5, 0.30))
	if _, err := m.CancelOrder(ctx, "intruder", o.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	stored, _ := ms.GetOrder(ctx, o.ID)
	if stored.Status != model.StatusPending {
		t.Errorf("order must stay PENDING, got %s", stored.Status)
	}
}

func TestCancelOrder_SellHasNoBalanceEffect(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	ctx := context.Background()
	position.NewLedger(ms).ApplyFill(ctx, position.Fill{UserID: "u1", MarketID: "548213", Direction: model.Buy, Shares: d(10), Price: d(0.5)})
	m := New(ms)

	o, _ := m.PlaceSellLimit(ctx, buyReq(10, 0.6))
	if _, err := m.CancelOrder(ctx, "u1", o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b := balance(t, ms); !b.Equal(d(100)) {
		t.Errorf("sell cancel must not move the balance, got %s", b)
	}
	avail, _ := m.AvailableShares(ctx, "u1", "548213")
	if !avail.Equal(d(10)) {
		t.Errorf("cancel must unlock shares, got %s available", avail)
	}
}

func TestCancelOrder_Missing(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 100)
	m := New(ms)

	if _, err := m.CancelOrder(context.Background(), "u1", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
