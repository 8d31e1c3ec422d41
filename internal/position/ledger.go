// Package position maintains per-user, per-target share counts and
// weighted-average entry prices. Limit settlement and immediate market
// orders both go through Ledger, so the two order styles account
// identically.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/store"
)

var (
	// ErrInsufficientShares is returned when a sell exceeds the shares held.
	ErrInsufficientShares = errors.New("position: insufficient shares")

	// ErrInvalidFill is returned for non-positive share counts or prices.
	ErrInvalidFill = errors.New("position: invalid fill")

	// ErrPositionContention is returned when every CAS attempt lost to a
	// concurrent writer.
	ErrPositionContention = errors.New("position: update contended")
)

const maxRetries = 8

// Fill is one execution applied to a position.
type Fill struct {
	UserID     string
	MarketID   string
	MarketName string
	Direction  model.OrderType
	Shares     decimal.Decimal
	Price      decimal.Decimal
}

// Ledger applies fills to positions and appends transactions.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a position ledger over st.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the user's position in marketID, or nil when none is held.
func (l *Ledger) Get(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, userID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// Shares returns the shares held in marketID (zero when none).
func (l *Ledger) Shares(ctx context.Context, userID, marketID string) (decimal.Decimal, error) {
	p, err := l.Get(ctx, userID, marketID)
	if err != nil || p == nil {
		return decimal.Zero, err
	}
	return p.Shares, nil
}

// ApplyFill adds or removes shares. A BUY recomputes the weighted-average
// entry price; a SELL leaves it unchanged and deletes the position when
// no shares remain. The returned position is nil after a delete.
//
// The write is a compare-and-set on the share count that was read, so
// concurrent fills on one position each land exactly once.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (*model.Position, error) {
	if !f.Shares.IsPositive() || f.Price.IsNegative() {
		return nil, fmt.Errorf("%w: %s shares @ %s", ErrInvalidFill, f.Shares, f.Price)
	}
	if f.Direction != model.Buy && f.Direction != model.Sell {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidFill, f.Direction)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		old, err := l.Get(ctx, f.UserID, f.MarketID)
		if err != nil {
			return nil, fmt.Errorf("read position: %w", err)
		}

		var next *model.Position
		if f.Direction == model.Buy {
			next = l.afterBuy(old, f)
		} else if next, err = l.afterSell(old, f); err != nil {
			return nil, err
		}

		held := decimal.Zero
		if old != nil {
			held = old.Shares
		}
		n, err := l.store.CompareAndSetPosition(ctx, f.UserID, f.MarketID, held, next)
		if err != nil {
			return nil, fmt.Errorf("write position: %w", err)
		}
		if n == 1 {
			return next, nil
		}
		metrics.PositionContention.Inc()
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrPositionContention, f.UserID, f.MarketID)
}

func (l *Ledger) afterBuy(old *model.Position, f Fill) *model.Position {
	pos := &model.Position{
		UserID:        f.UserID,
		MarketID:      f.MarketID,
		MarketName:    f.MarketName,
		Shares:        f.Shares,
		AvgEntryPrice: f.Price,
		UpdatedAt:     l.now(),
	}
	if old != nil {
		newShares := old.Shares.Add(f.Shares)
		cost := old.Shares.Mul(old.AvgEntryPrice).Add(f.Shares.Mul(f.Price))
		pos.Shares = newShares
		pos.AvgEntryPrice = cost.Div(newShares)
		if old.MarketName != "" {
			pos.MarketName = old.MarketName
		}
	}
	return pos
}

// afterSell returns nil when the sale closes the position.
func (l *Ledger) afterSell(old *model.Position, f Fill) (*model.Position, error) {
	if old == nil || f.Shares.GreaterThan(old.Shares) {
		held := decimal.Zero
		if old != nil {
			held = old.Shares
		}
		return nil, fmt.Errorf("%w: selling %s, holding %s", ErrInsufficientShares, f.Shares, held)
	}

	remaining := old.Shares.Sub(f.Shares)
	if !remaining.IsPositive() {
		return nil, nil
	}
	pos := *old
	pos.Shares = remaining
	pos.UpdatedAt = l.now()
	return &pos, nil
}

// Record appends a transaction for an executed fill. orderID is empty for
// market orders.
func (l *Ledger) Record(ctx context.Context, f Fill, total decimal.Decimal, orderID string) (*model.Transaction, error) {
	tx := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        f.UserID,
		MarketID:      f.MarketID,
		MarketName:    f.MarketName,
		ActionType:    f.Direction,
		Shares:        f.Shares,
		PricePerShare: f.Price,
		TotalAmount:   total,
		OrderID:       orderID,
		Timestamp:     l.now(),
	}
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	return tx, nil
}
