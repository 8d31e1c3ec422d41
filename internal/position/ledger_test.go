package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func buy(shares, price float64) Fill {
	return Fill{UserID: "u1", MarketID: "m1", Direction: model.Buy, Shares: d(shares), Price: d(price)}
}

func sell(shares, price float64) Fill {
	return Fill{UserID: "u1", MarketID: "m1", Direction: model.Sell, Shares: d(shares), Price: d(price)}
}

func TestApplyFill_FirstBuy(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())

	p, err := l.ApplyFill(context.Background(), buy(20, 0.35))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.Equal(d(20)) || !p.AvgEntryPrice.Equal(d(0.35)) {
		t.Errorf("expected 20 @ 0.35, got %s @ %s", p.Shares, p.AvgEntryPrice)
	}
}

func TestApplyFill_WeightedAverage(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	ctx := context.Background()

	l.ApplyFill(ctx, buy(10, 0.5))
	p, err := l.ApplyFill(ctx, buy(30, 0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (10·0.5 + 30·0.3) / 40 = 14 / 40 = 0.35
	if !p.Shares.Equal(d(40)) || !p.AvgEntryPrice.Equal(d(0.35)) {
		t.Errorf("expected 40 @ 0.35, got %s @ %s", p.Shares, p.AvgEntryPrice)
	}
}

func TestApplyFill_PartialSellKeepsAverage(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	ctx := context.Background()

	l.ApplyFill(ctx, buy(10, 0.5))
	p, err := l.ApplyFill(ctx, sell(4, 0.9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.Equal(d(6)) {
		t.Errorf("expected 6 shares left, got %s", p.Shares)
	}
	if !p.AvgEntryPrice.Equal(d(0.5)) {
		t.Errorf("sell must not change avg entry price, got %s", p.AvgEntryPrice)
	}
}

func TestApplyFill_FullSellRemovesPosition(t *testing.T) {
	ms := store.NewMemoryStore()
	l := NewLedger(ms)
	ctx := context.Background()

	l.ApplyFill(ctx, buy(10, 0.5))
	p, err := l.ApplyFill(ctx, sell(10, 0.65))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil position after full sell, got %+v", p)
	}
	if _, err := ms.GetPosition(ctx, "u1", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position row should be deleted, got %v", err)
	}
}

func TestApplyFill_Oversell(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := l.ApplyFill(ctx, sell(1, 0.5)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares with no position, got %v", err)
	}

	l.ApplyFill(ctx, buy(5, 0.5))
	if _, err := l.ApplyFill(ctx, sell(5.5, 0.5)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if shares, _ := l.Shares(ctx, "u1", "m1"); !shares.Equal(d(5)) {
		t.Errorf("failed sell must not change shares, got %s", shares)
	}
}

func TestApplyFill_Invalid(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := l.ApplyFill(ctx, buy(0, 0.5)); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill for zero shares, got %v", err)
	}
	bad := buy(1, 0.5)
	bad.Direction = "HOLD"
	if _, err := l.ApplyFill(ctx, bad); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill for unknown direction, got %v", err)
	}
}

// slowReads widens the window between reading a position and writing it.
type slowReads struct {
	*store.MemoryStore
}

func (s slowReads) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.GetPosition(ctx, userID, marketID)
}

func applyConcurrently(t *testing.T, l *Ledger, fills []Fill) {
	t.Helper()
	var wg sync.WaitGroup
	for _, f := range fills {
		wg.Add(1)
		go func(f Fill) {
			defer wg.Done()
			if _, err := l.ApplyFill(context.Background(), f); err != nil {
				t.Errorf("apply fill: %v", err)
			}
		}(f)
	}
	wg.Wait()
}

func TestApplyFill_ConcurrentBuysAllLand(t *testing.T) {
	ms := store.NewMemoryStore()
	l := NewLedger(slowReads{ms})

	fills := make([]Fill, 8)
	for i := range fills {
		fills[i] = buy(1, 0.35)
	}
	applyConcurrently(t, l, fills)

	p, err := ms.GetPosition(context.Background(), "u1", "m1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !p.Shares.Equal(d(8)) || !p.AvgEntryPrice.Equal(d(0.35)) {
		t.Errorf("expected 8 @ 0.35, got %s @ %s", p.Shares, p.AvgEntryPrice)
	}
}

func TestApplyFill_ConcurrentSellsAllLand(t *testing.T) {
	ms := store.NewMemoryStore()
	l := NewLedger(slowReads{ms})
	if _, err := l.ApplyFill(context.Background(), buy(10, 0.5)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fills := make([]Fill, 8)
	for i := range fills {
		fills[i] = sell(1, 0.6)
	}
	applyConcurrently(t, l, fills)

	if shares, _ := l.Shares(context.Background(), "u1", "m1"); !shares.Equal(d(2)) {
		t.Errorf("expected 2 shares left, got %s", shares)
	}
}

// contested makes every position CAS lose.
type contested struct {
	*store.MemoryStore
}

func (contested) CompareAndSetPosition(context.Context, string, string, decimal.Decimal, *model.Position) (int64, error) {
	return 0, nil
}

func TestApplyFill_GivesUpUnderContention(t *testing.T) {
	l := NewLedger(contested{store.NewMemoryStore()})
	if _, err := l.ApplyFill(context.Background(), buy(1, 0.5)); !errors.Is(err, ErrPositionContention) {
		t.Errorf("expected ErrPositionContention, got %v", err)
	}
}

func TestRecord(t *testing.T) {
	ms := store.NewMemoryStore()
	l := NewLedger(ms)
	ctx := context.Background()

	tx, err := l.Record(ctx, buy(20, 0.35), d(7), "order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.ID == "" || tx.Timestamp.IsZero() {
		t.Error("expected id and timestamp to be assigned")
	}

	txs, _ := ms.ListTransactions(ctx, "u1")
	if len(txs) != 1 || !txs[0].TotalAmount.Equal(d(7)) || txs[0].OrderID != "order-1" {
		t.Errorf("unexpected ledger: %+v", txs)
	}
}

// Weighted-average cost after s1@p1 then s2@p2 equals (s1·p1 + s2·p2)/(s1+s2)
// regardless of which buy is applied first.
func TestProperty_WeightedAverageOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s1 := decimal.NewFromInt(rapid.Int64Range(1, 1000).Draw(t, "s1"))
		s2 := decimal.NewFromInt(rapid.Int64Range(1, 1000).Draw(t, "s2"))
		p1 := decimal.New(rapid.Int64Range(1, 99).Draw(t, "p1"), -2)
		p2 := decimal.New(rapid.Int64Range(1, 99).Draw(t, "p2"), -2)

		run := func(first, second Fill) decimal.Decimal {
			l := NewLedger(store.NewMemoryStore())
			ctx := context.Background()
			if _, err := l.ApplyFill(ctx, first); err != nil {
				t.Fatalf("first: %v", err)
			}
			p, err := l.ApplyFill(ctx, second)
			if err != nil {
				t.Fatalf("second: %v", err)
			}
			return p.AvgEntryPrice
		}

		a := Fill{UserID: "u", MarketID: "m", Direction: model.Buy, Shares: s1, Price: p1}
		b := Fill{UserID: "u", MarketID: "m", Direction: model.Buy, Shares: s2, Price: p2}

		want := s1.Mul(p1).Add(s2.Mul(p2)).Div(s1.Add(s2))
		if got := run(a, b); !got.Equal(want) {
			t.Fatalf("a then b: got %s, want %s", got, want)
		}
		if got := run(b, a); !got.Equal(want) {
			t.Fatalf("b then a: got %s, want %s", got, want)
		}
	})
}

func TestProperty_SellNeverChangesAverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		held := rapid.Int64Range(2, 1000).Draw(t, "held")
		sold := rapid.Int64Range(1, held-1).Draw(t, "sold")
		price := decimal.New(rapid.Int64Range(1, 99).Draw(t, "price"), -2)

		l := NewLedger(store.NewMemoryStore())
		ctx := context.Background()
		l.ApplyFill(ctx, Fill{UserID: "u", MarketID: "m", Direction: model.Buy, Shares: decimal.NewFromInt(held), Price: price})

		p, err := l.ApplyFill(ctx, Fill{UserID: "u", MarketID: "m", Direction: model.Sell, Shares: decimal.NewFromInt(sold), Price: d(0.99)})
		if err != nil {
			t.Fatalf("sell: %v", err)
		}
		if !p.AvgEntryPrice.Equal(price) {
			t.Fatalf("avg changed from %s to %s", price, p.AvgEntryPrice)
		}
		if !p.Shares.Equal(decimal.NewFromInt(held - sold)) {
			t.Fatalf("expected %d shares, got %s", held-sold, p.Shares)
		}
	})
}
