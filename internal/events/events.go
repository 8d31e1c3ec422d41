// Package events carries order lifecycle notifications out of the engine:
// fills, cancels and market trades. Publishers fan them out to WebSocket
// clients and Kafka.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindFill   Kind = "order.filled"
	KindCancel Kind = "order.cancelled"
	KindTrade  Kind = "trade.executed"
)

// Event is one lifecycle notification. OrderID is empty for market trades.
type Event struct {
	Type       Kind            `json:"type"`
	OrderID    string          `json:"order_id,omitempty"`
	UserID     string          `json:"user_id"`
	MarketID   string          `json:"market_id"`
	MarketName string          `json:"market_name,omitempty"`
	OrderType  model.OrderType `json:"order_type"`
	Shares     decimal.Decimal `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	At         time.Time       `json:"at"`
}

// Fill builds the event for a settled limit order.
func Fill(o *model.LimitOrder, price, amount decimal.Decimal, at time.Time) Event {
	return Event{
		Type:       KindFill,
		OrderID:    o.ID,
		UserID:     o.UserID,
		MarketID:   o.MarketID,
		MarketName: o.MarketName,
		OrderType:  o.OrderType,
		Shares:     o.Shares,
		Price:      price,
		Amount:     amount,
		At:         at,
	}
}

// Cancel builds the event for a cancelled limit order. Amount is the
// escrow returned to the balance.
func Cancel(o *model.LimitOrder, refund decimal.Decimal, at time.Time) Event {
	return Event{
		Type:       KindCancel,
		OrderID:    o.ID,
		UserID:     o.UserID,
		MarketID:   o.MarketID,
		MarketName: o.MarketName,
		OrderType:  o.OrderType,
		Shares:     o.Shares,
		Price:      o.LimitPrice,
		Amount:     refund,
		At:         at,
	}
}

// Trade builds the event for an executed market order.
func Trade(tx *model.Transaction) Event {
	return Event{
		Type:       KindTrade,
		UserID:     tx.UserID,
		MarketID:   tx.MarketID,
		MarketName: tx.MarketName,
		OrderType:  tx.ActionType,
		Shares:     tx.Shares,
		Price:      tx.PricePerShare,
		Amount:     tx.TotalAmount,
		At:         tx.Timestamp,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder buffering up to size events; further
// events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
