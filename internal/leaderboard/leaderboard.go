// Package leaderboard ranks users by total value: cash plus positions
// marked at current prices.
package leaderboard

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/fill"
	"github.com/atmx/paper-exchange/internal/model"
)

const anonymous = "Anonymous"

// Entry is one ranked user.
type Entry struct {
	UserID        string          `json:"user_id"`
	DisplayName   string          `json:"display_name"`
	Balance       decimal.Decimal `json:"balance"`
	PositionValue decimal.Decimal `json:"position_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalValue    decimal.Decimal `json:"total_value"`
	PositionCount int             `json:"position_count"`
}

// Compute marks every user's positions at prices and sorts by total
// value, highest first. A position without a price is valued at zero.
func Compute(users []model.User, positions []model.Position, prices fill.PriceMap) []Entry {
	byUser := make(map[string][]model.Position)
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		e := Entry{
			UserID:        u.ID,
			DisplayName:   u.DisplayName,
			Balance:       u.Balance,
			PositionValue: decimal.Zero,
			UnrealizedPnL: decimal.Zero,
		}
		if e.DisplayName == "" {
			e.DisplayName = anonymous
		}
		for _, p := range byUser[u.ID] {
			price, _ := prices.Lookup(p.MarketID)
			e.PositionValue = e.PositionValue.Add(p.Shares.Mul(price))
			e.UnrealizedPnL = e.UnrealizedPnL.Add(p.Shares.Mul(price.Sub(p.AvgEntryPrice)))
			e.PositionCount++
		}
		e.PositionValue = model.Round2(e.PositionValue)
		e.UnrealizedPnL = model.Round2(e.UnrealizedPnL)
		e.TotalValue = model.Round2(e.Balance.Add(e.PositionValue))
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalValue.GreaterThan(entries[j].TotalValue)
	})
	return entries
}
