package fill

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/contract"
)

// PriceMap maps a target identifier to its current YES-side price.
// An absent target is unknown or closed.
type PriceMap map[string]decimal.Decimal

// Lookup returns the effective price of target. A NO target missing from
// the map is derived from its YES twin as 1 − yes.
func (p PriceMap) Lookup(target string) (decimal.Decimal, bool) {
	if v, ok := p[target]; ok {
		return v, true
	}
	t, err := contract.ParseTarget(target)
	if err != nil || !t.No {
		return decimal.Zero, false
	}
	yes, ok := p[t.YesTarget()]
	if !ok {
		return decimal.Zero, false
	}
	return t.PriceFrom(yes), true
}

// PriceSource supplies current prices for a set of targets.
type PriceSource interface {
	Prices(ctx context.Context, ids []string) (PriceMap, error)
}
