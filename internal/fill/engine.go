// Package fill evaluates PENDING limit orders against observed prices and
// settles the ones that cross.
//
// Exactly-once settlement rests on the order status compare-and-set: any
// number of engines, in this process or others, may evaluate the same
// order, and only the one whose PENDING → FILLED transition affects a row
// settles it. The losers see zero rows and move on silently. The in-flight
// set below only keeps one process from racing itself.
package fill

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-exchange/internal/events"
	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/orderbook"
	"github.com/atmx/paper-exchange/internal/position"
	"github.com/atmx/paper-exchange/internal/store"
	"github.com/atmx/paper-exchange/internal/wallet"
)

// DefaultWorkers bounds concurrent order evaluations in one pass.
const DefaultWorkers = 4

// Report tallies one evaluation pass.
type Report struct {
	Evaluated int `json:"evaluated"`
	Filled    int `json:"filled"`
	LostRace  int `json:"lost_race"`
	Skipped   int `json:"skipped"`
	Unbacked  int `json:"unbacked"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	notCrossed outcome = iota
	skipped
	filled
	lostRace
	unbacked
	failed
)

func (r *Report) add(o outcome) {
	r.Evaluated++
	switch o {
	case skipped:
		r.Skipped++
	case filled:
		r.Filled++
	case lostRace:
		r.LostRace++
	case unbacked:
		r.Unbacked++
	case failed:
		r.Failed++
	}
}

// Engine evaluates and settles limit orders.
type Engine struct {
	book      *orderbook.Book
	wallet    *wallet.Wallet
	ledger    *position.Ledger
	publisher events.Publisher
	logger    *slog.Logger
	workers   int
	now       func() time.Time

	inflight inflight
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the evaluation concurrency. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPublisher announces fills and unbacked cancels.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a fill engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		book:      orderbook.New(st),
		wallet:    wallet.New(st),
		ledger:    position.NewLedger(st),
		publisher: events.Nop{},
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  inflight{ids: make(map[string]struct{})},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate checks the user's PENDING orders against prices. An error is
// returned only when the orders cannot be listed; per-order failures are
// logged and counted.
func (e *Engine) Evaluate(ctx context.Context, userID string, prices PriceMap) (Report, error) {
	orders, err := e.book.Pending(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("list pending orders for %s: %w", userID, err)
	}
	return e.run(ctx, orders, prices), nil
}

// Sweep checks every PENDING order against prices.
func (e *Engine) Sweep(ctx context.Context, prices PriceMap) (Report, error) {
	orders, err := e.book.AllPending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list pending orders: %w", err)
	}
	return e.run(ctx, orders, prices), nil
}

// PendingTargets returns the distinct targets of all PENDING orders,
// sorted, so a price fetch can be limited to what is needed.
func (e *Engine) PendingTargets(ctx context.Context) ([]string, error) {
	orders, err := e.book.AllPending(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.MarketID]; ok {
			continue
		}
		seen[o.MarketID] = struct{}{}
		ids = append(ids, o.MarketID)
	}
	sort.Strings(ids)
	return ids, nil
}

// run evaluates orders on a bounded worker group. Orders sharing a user
// and target touch the same position, so each such group is settled in
// listing order by a single worker; distinct groups run in parallel.
func (e *Engine) run(ctx context.Context, orders []model.LimitOrder, prices PriceMap) Report {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var (
		mu  sync.Mutex
		rep Report
		g   errgroup.Group
	)
	g.SetLimit(e.workers)
	for _, group := range groupByPosition(orders) {
		g.Go(func() error {
			for _, o := range group {
				if ctx.Err() != nil {
					return nil
				}
				out := e.evaluateOne(ctx, o, prices)
				mu.Lock()
				rep.add(out)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return rep
}

type positionKey struct {
	userID, marketID string
}

// groupByPosition partitions orders by (user, target), keeping the
// listing order inside each group and the order of first appearance
// across groups.
func groupByPosition(orders []model.LimitOrder) [][]*model.LimitOrder {
	index := make(map[positionKey]int)
	var groups [][]*model.LimitOrder
	for i := range orders {
		o := &orders[i]
		k := positionKey{o.UserID, o.MarketID}
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], o)
	}
	return groups
}

// crosses reports whether price satisfies the order's limit.
func crosses(o *model.LimitOrder, price decimal.Decimal) bool {
	switch o.OrderType {
	case model.Buy:
		return price.LessThanOrEqual(o.LimitPrice)
	case model.Sell:
		return price.GreaterThanOrEqual(o.LimitPrice)
	}
	return false
}

func (e *Engine) evaluateOne(ctx context.Context, o *model.LimitOrder, prices PriceMap) outcome {
	price, ok := prices.Lookup(o.MarketID)
	if !ok {
		return skipped
	}
	if !crosses(o, price) {
		return notCrossed
	}
	if !e.inflight.acquire(o.ID) {
		e.logger.Debug("order already in flight", "order_id", o.ID)
		return skipped
	}
	defer e.inflight.release(o.ID)

	log := e.logger.With("order_id", o.ID, "user_id", o.UserID, "market_id", o.MarketID)

	if o.OrderType == model.Sell {
		held, err := e.ledger.Shares(ctx, o.UserID, o.MarketID)
		if err != nil {
			metrics.SettlementFailures.Inc()
			log.Error("read position for sell", "err", err)
			return failed
		}
		if held.LessThan(o.Shares) {
			return e.cancelUnbacked(ctx, o, held, log)
		}
	}

	at := e.now()
	won, err := e.book.Transition(ctx, o.ID, model.StatusPending, model.StatusFilled,
		model.OrderTransition{FilledAt: &at, FillPrice: price})
	if err != nil {
		metrics.SettlementFailures.Inc()
		log.Error("fill transition failed", "err", err)
		return failed
	}
	if !won {
		metrics.LostRaces.Inc()
		log.Debug("fill lost race")
		return lostRace
	}

	var amount decimal.Decimal
	switch o.OrderType {
	case model.Buy:
		amount, err = e.settleBuy(ctx, o, price)
	case model.Sell:
		amount, err = e.settleSell(ctx, o, price)
	}
	if err != nil {
		metrics.SettlementFailures.Inc()
		log.Error("settlement failed after fill",
			"side", o.OrderType,
			"fill_price", price.String(),
			"err", err,
		)
		return failed
	}

	metrics.OrdersFilled.WithLabelValues(string(o.OrderType)).Inc()
	log.Info("limit order filled",
		"side", o.OrderType,
		"shares", o.Shares.String(),
		"limit_price", o.LimitPrice.String(),
		"fill_price", price.String(),
		"amount", amount.StringFixed(2),
	)
	o.Status = model.StatusFilled
	o.FilledAt = &at
	o.FillPrice = price
	if err := e.publisher.Publish(ctx, events.Fill(o, price, amount, at)); err != nil {
		log.Warn("publish fill event", "err", err)
	}
	return filled
}

// settleBuy refunds the unused escrow, records the BUY and adds shares.
// It returns the fill cost.
func (e *Engine) settleBuy(ctx context.Context, o *model.LimitOrder, price decimal.Decimal) (decimal.Decimal, error) {
	cost := model.Notional(o.Shares, price)
	refund := model.Round2(o.EscrowedAmount.Sub(cost))
	if refund.IsPositive() {
		if _, err := e.wallet.Credit(ctx, o.UserID, refund); err != nil {
			return cost, fmt.Errorf("refund escrow: %w", err)
		}
	}

	f := position.Fill{
		UserID:     o.UserID,
		MarketID:   o.MarketID,
		MarketName: o.MarketName,
		Direction:  model.Buy,
		Shares:     o.Shares,
		Price:      price,
	}
	if _, err := e.ledger.Record(ctx, f, cost, o.ID); err != nil {
		return cost, err
	}
	if _, err := e.ledger.ApplyFill(ctx, f); err != nil {
		return cost, err
	}
	return cost, nil
}

// settleSell removes shares before crediting proceeds, so a position that
// shrank underneath the order fails without paying out. It returns the
// proceeds.
func (e *Engine) settleSell(ctx context.Context, o *model.LimitOrder, price decimal.Decimal) (decimal.Decimal, error) {
	proceeds := model.Notional(o.Shares, price)
	f := position.Fill{
		UserID:     o.UserID,
		MarketID:   o.MarketID,
		MarketName: o.MarketName,
		Direction:  model.Sell,
		Shares:     o.Shares,
		Price:      price,
	}
	if _, err := e.ledger.ApplyFill(ctx, f); err != nil {
		return proceeds, err
	}
	if _, err := e.wallet.Credit(ctx, o.UserID, proceeds); err != nil {
		return proceeds, fmt.Errorf("credit proceeds: %w", err)
	}
	if _, err := e.ledger.Record(ctx, f, proceeds, o.ID); err != nil {
		return proceeds, err
	}
	return proceeds, nil
}

// cancelUnbacked retires a SELL whose position no longer covers it.
func (e *Engine) cancelUnbacked(ctx context.Context, o *model.LimitOrder, held decimal.Decimal, log *slog.Logger) outcome {
	won, err := e.book.Transition(ctx, o.ID, model.StatusPending, model.StatusCancelled, model.OrderTransition{})
	if err != nil {
		metrics.SettlementFailures.Inc()
		log.Error("cancel unbacked sell", "err", err)
		return failed
	}
	if !won {
		metrics.LostRaces.Inc()
		log.Debug("unbacked cancel lost race")
		return lostRace
	}

	metrics.OrdersCancelled.WithLabelValues("unbacked").Inc()
	log.Warn("sell order cancelled: position no longer covers it",
		"shares", o.Shares.String(),
		"held", held.String(),
	)
	o.Status = model.StatusCancelled
	if err := e.publisher.Publish(ctx, events.Cancel(o, decimal.Zero, e.now())); err != nil {
		log.Warn("publish cancel event", "err", err)
	}
	return unbacked
}

// inflight marks orders this engine is currently settling.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}
