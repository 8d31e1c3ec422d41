// Package market executes immediate (market) orders at the live price.
// It applies fills through the same position ledger and transaction log
// as limit settlement, so both order styles account identically.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/contract"
	"github.com/atmx/paper-exchange/internal/correlation"
	"github.com/atmx/paper-exchange/internal/events"
	"github.com/atmx/paper-exchange/internal/fill"
	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/position"
	"github.com/atmx/paper-exchange/internal/store"
	"github.com/atmx/paper-exchange/internal/wallet"
)

var (
	// ErrPriceUnavailable is returned when the feed has no price for the target.
	ErrPriceUnavailable = errors.New("market: price unavailable")

	// ErrInvalidRequest is returned for a malformed target or non-positive shares.
	ErrInvalidRequest = errors.New("market: invalid request")
)

// Request is a market order.
type Request struct {
	UserID     string          `json:"user_id"`
	MarketID   string          `json:"market_id"`
	MarketName string          `json:"market_name"`
	Shares     decimal.Decimal `json:"shares"`
}

// Execution is the outcome of a market order. Position is nil after a
// sell that closed it.
type Execution struct {
	Transaction *model.Transaction `json:"transaction"`
	Position    *model.Position    `json:"position"`
	Balance     decimal.Decimal    `json:"balance"`
}

// Triggerer requests an out-of-cycle limit order evaluation.
type Triggerer interface {
	Trigger()
}

// Executor runs market orders.
type Executor struct {
	store     store.Store
	feed      fill.PriceSource
	wallet    *wallet.Wallet
	ledger    *position.Ledger
	limiter   *correlation.PositionLimiter
	trigger   Triggerer
	publisher events.Publisher
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithTrigger re-evaluates resting orders after every executed trade.
func WithTrigger(t Triggerer) Option {
	return func(e *Executor) { e.trigger = t }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates a market order executor pricing from feed.
func NewExecutor(st store.Store, feed fill.PriceSource, opts ...Option) *Executor {
	e := &Executor{
		store:     st,
		feed:      feed,
		wallet:    wallet.New(st),
		ledger:    position.NewLedger(st),
		publisher: events.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Buy debits Round2(shares × price) and adds the shares.
func (e *Executor) Buy(ctx context.Context, req Request) (*Execution, error) {
	start := time.Now()
	price, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.checkLimits(ctx, req); err != nil {
		return nil, err
	}

	cost := model.Notional(req.Shares, price)
	balance, err := e.wallet.Debit(ctx, req.UserID, cost)
	if err != nil {
		return nil, err
	}

	f := fillOf(req, model.Buy, price)
	pos, err := e.ledger.ApplyFill(ctx, f)
	if err != nil {
		e.refund(ctx, req.UserID, cost, err)
		return nil, err
	}
	tx, err := e.ledger.Record(ctx, f, cost, "")
	if err != nil {
		e.unwindBuy(ctx, f, cost, err)
		return nil, err
	}
	return e.finish(ctx, tx, pos, balance, start), nil
}

// Sell removes the shares and credits Round2(shares × price).
func (e *Executor) Sell(ctx context.Context, req Request) (*Execution, error) {
	start := time.Now()
	price, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	before, err := e.ledger.Get(ctx, req.UserID, req.MarketID)
	if err != nil {
		return nil, err
	}
	f := fillOf(req, model.Sell, price)
	pos, err := e.ledger.ApplyFill(ctx, f)
	if err != nil {
		return nil, err
	}

	proceeds := model.Notional(req.Shares, price)
	balance, err := e.wallet.Credit(ctx, req.UserID, proceeds)
	if err != nil {
		e.logger.Error("credit sale proceeds failed",
			"user_id", req.UserID,
			"market_id", req.MarketID,
			"amount", proceeds.StringFixed(2),
			"err", err,
		)
		return nil, err
	}
	tx, err := e.ledger.Record(ctx, f, proceeds, "")
	if err != nil {
		e.unwindSell(ctx, f, before, proceeds, err)
		return nil, err
	}
	return e.finish(ctx, tx, pos, balance, start), nil
}

func (e *Executor) prepare(ctx context.Context, req Request) (decimal.Decimal, error) {
	if req.UserID == "" {
		return decimal.Zero, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if _, err := contract.ParseTarget(req.MarketID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !req.Shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: shares must be positive", ErrInvalidRequest)
	}
	if _, err := e.store.GetUser(ctx, req.UserID); err != nil {
		return decimal.Zero, err
	}

	prices, err := e.feed.Prices(ctx, []string{req.MarketID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	price, ok := prices.Lookup(req.MarketID)
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, req.MarketID)
	}
	return price, nil
}

func (e *Executor) checkLimits(ctx context.Context, req Request) error {
	if e.limiter == nil {
		return nil
	}
	positions, err := e.store.ListPositions(ctx, req.UserID)
	if err != nil {
		return err
	}
	holdings := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		holdings[p.MarketID] = p.Shares
	}
	pending, err := e.store.ListOrders(ctx, req.UserID, model.StatusPending)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.OrderType == model.Buy {
			holdings[o.MarketID] = holdings[o.MarketID].Add(o.Shares)
		}
	}
	if err := e.limiter.CheckLimit(req.MarketID, req.Shares, holdings); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

// refund returns a debited cost after the position write failed.
func (e *Executor) refund(ctx context.Context, userID string, amount decimal.Decimal, cause error) {
	if _, err := e.wallet.Credit(ctx, userID, amount); err != nil {
		e.logger.Error("refund after failed buy",
			"user_id", userID,
			"amount", amount.StringFixed(2),
			"cause", cause,
			"err", err,
		)
	}
}

// unwindBuy takes back the shares and returns the cost of a buy whose
// transaction could not be recorded.
func (e *Executor) unwindBuy(ctx context.Context, f position.Fill, cost decimal.Decimal, cause error) {
	metrics.SettlementFailures.Inc()
	log := e.logger.With("user_id", f.UserID, "market_id", f.MarketID, "side", f.Direction)
	log.Error("record market trade failed, unwinding",
		"shares", f.Shares.String(),
		"amount", cost.StringFixed(2),
		"err", cause,
	)

	undo := f
	undo.Direction = model.Sell
	if _, err := e.ledger.ApplyFill(ctx, undo); err != nil {
		log.Error("unwind position after failed record", "err", err)
		return
	}
	if _, err := e.wallet.Credit(ctx, f.UserID, cost); err != nil {
		log.Error("unwind debit after failed record", "err", err)
	}
}

// unwindSell restores the sold shares at their prior average and takes
// back the proceeds of a sell whose transaction could not be recorded.
func (e *Executor) unwindSell(ctx context.Context, f position.Fill, before *model.Position, proceeds decimal.Decimal, cause error) {
	metrics.SettlementFailures.Inc()
	log := e.logger.With("user_id", f.UserID, "market_id", f.MarketID, "side", f.Direction)
	log.Error("record market trade failed, unwinding",
		"shares", f.Shares.String(),
		"amount", proceeds.StringFixed(2),
		"err", cause,
	)

	if _, err := e.wallet.Debit(ctx, f.UserID, proceeds); err != nil {
		log.Error("unwind proceeds after failed record", "err", err)
		return
	}
	undo := f
	undo.Direction = model.Buy
	if before != nil {
		undo.Price = before.AvgEntryPrice
	}
	if _, err := e.ledger.ApplyFill(ctx, undo); err != nil {
		log.Error("unwind position after failed record", "err", err)
	}
}

func (e *Executor) finish(ctx context.Context, tx *model.Transaction, pos *model.Position, balance decimal.Decimal, start time.Time) *Execution {
	side := string(tx.ActionType)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	e.logger.Info("market order executed",
		"user_id", tx.UserID,
		"market_id", tx.MarketID,
		"side", side,
		"shares", tx.Shares.String(),
		"price", tx.PricePerShare.String(),
		"amount", tx.TotalAmount.StringFixed(2),
	)
	if err := e.publisher.Publish(ctx, events.Trade(tx)); err != nil {
		e.logger.Warn("publish trade event", "user_id", tx.UserID, "err", err)
	}
	if e.trigger != nil {
		e.trigger.Trigger()
	}
	return &Execution{Transaction: tx, Position: pos, Balance: balance}
}

func fillOf(req Request, side model.OrderType, price decimal.Decimal) position.Fill {
	return position.Fill{
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		MarketName: req.MarketName,
		Direction:  side,
		Shares:     req.Shares,
		Price:      price,
	}
}
