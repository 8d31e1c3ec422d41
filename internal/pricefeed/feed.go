// Package pricefeed supplies current target prices to the fill engine and
// market order executor. Absent targets are unknown or closed; callers
// treat absence as "retry later", never as an error.
package pricefeed

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/fill"
)

// Feed returns prices for ids. An empty ids slice requests every known
// target.
type Feed interface {
	Prices(ctx context.Context, ids []string) (fill.PriceMap, error)
}

// Static is an in-memory feed whose prices are set by hand.
type Static struct {
	mu     sync.RWMutex
	prices fill.PriceMap
}

// NewStatic creates a feed seeded with prices.
func NewStatic(prices fill.PriceMap) *Static {
	s := &Static{prices: make(fill.PriceMap, len(prices))}
	for id, p := range prices {
		s.prices[id] = p
	}
	return s
}

// Set publishes a price for id.
func (s *Static) Set(id string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[id] = price
	s.mu.Unlock()
}

// Remove marks id closed.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	delete(s.prices, id)
	s.mu.Unlock()
}

func (s *Static) Prices(_ context.Context, ids []string) (fill.PriceMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pick(s.prices, ids), nil
}

// pick copies the requested entries of all. NO targets whose YES twin is
// present are resolved through fill.PriceMap.Lookup.
func pick(all fill.PriceMap, ids []string) fill.PriceMap {
	if len(ids) == 0 {
		out := make(fill.PriceMap, len(all))
		for id, p := range all {
			out[id] = p
		}
		return out
	}
	out := make(fill.PriceMap, len(ids))
	for _, id := range ids {
		if p, ok := all.Lookup(id); ok {
			out[id] = p
		}
	}
	return out
}
