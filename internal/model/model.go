// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StartingBalance is the play-money balance granted to every new user.
var StartingBalance = decimal.NewFromInt(100)

// OrderType is the direction of an order or transaction.
type OrderType string

const (
	Buy  OrderType = "BUY"
	Sell OrderType = "SELL"
)

// Valid reports whether t is BUY or SELL.
func (t OrderType) Valid() bool {
	return t == Buy || t == Sell
}

// OrderStatus is the lifecycle state of a limit order.
// PENDING moves to FILLED or CANCELLED exactly once; both are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// User is a trader holding a play-money balance.
type User struct {
	ID          string          `json:"id" db:"id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one market target.
// AvgEntryPrice changes only when shares are added.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	MarketName    string          `json:"market_name" db:"market_name"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LimitOrder rests until the observed price crosses LimitPrice.
// For a PENDING BUY, EscrowedAmount has already left the balance.
type LimitOrder struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	MarketName     string          `json:"market_name" db:"market_name"`
	OrderType      OrderType       `json:"order_type" db:"order_type"`
	Shares         decimal.Decimal `json:"shares" db:"shares"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"`
	EscrowedAmount decimal.Decimal `json:"escrowed_amount" db:"escrowed_amount"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
	FillPrice      decimal.Decimal `json:"fill_price" db:"fill_price"`
}

// OrderTransition carries the fields written alongside a status change.
type OrderTransition struct {
	FilledAt  *time.Time
	FillPrice decimal.Decimal
}

// Transaction is an immutable record of an executed buy or sell.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	MarketName    string          `json:"market_name" db:"market_name"`
	ActionType    OrderType       `json:"action_type" db:"action_type"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"` // empty for market orders
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Round2 rounds a monetary amount to cents, half away from zero.
// Apply it where an amount is computed, not when it is displayed.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Notional returns Round2(shares × price).
func Notional(shares, price decimal.Decimal) decimal.Decimal {
	return Round2(shares.Mul(price))
}
