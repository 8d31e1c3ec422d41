// Package escrow places and cancels limit orders.
//
// A BUY limit reserves Round2(shares × limitPrice) from the balance
// before the order exists; if the order cannot be written the reserve is
// credited back. A SELL limit reserves nothing: its shares are locked
// only by the available-shares check made here at placement, so two
// concurrent placements can together oversubscribe a position. The fill
// engine cancels any SELL that is no longer backed when it comes due.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/contract"
	"github.com/atmx/paper-exchange/internal/correlation"
	"github.com/atmx/paper-exchange/internal/events"
	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/orderbook"
	"github.com/atmx/paper-exchange/internal/position"
	"github.com/atmx/paper-exchange/internal/store"
	"github.com/atmx/paper-exchange/internal/wallet"
)

var (
	// ErrInvalidOrder is returned for a malformed target, non-positive
	// shares, or a limit price outside (0, 1).
	ErrInvalidOrder = errors.New("escrow: invalid order")

	// ErrNotOwner is returned when cancelling another user's order.
	ErrNotOwner = errors.New("escrow: order belongs to another user")

	// ErrStoreWrite is returned when persistence failed mid-operation.
	// Any earlier write of the same operation has been compensated.
	ErrStoreWrite = errors.New("escrow: store write failed")

	// ErrOrderNotPending is returned when a cancel finds the order
	// already FILLED or CANCELLED.
	ErrOrderNotPending = orderbook.ErrOrderNotPending
)

// PlaceRequest describes a limit order to place.
type PlaceRequest struct {
	UserID     string
	MarketID   string
	MarketName string
	Shares     decimal.Decimal
	LimitPrice decimal.Decimal
}

// Manager places and cancels limit orders against a Store.
type Manager struct {
	store     store.Store
	book      *orderbook.Book
	wallet    *wallet.Wallet
	ledger    *position.Ledger
	limiter   *correlation.PositionLimiter
	publisher events.Publisher
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimiter enforces share limits on BUY placement.
func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithPublisher announces cancellations.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates an escrow manager over st.
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		book:      orderbook.New(st),
		wallet:    wallet.New(st),
		ledger:    position.NewLedger(st),
		publisher: events.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PlaceBuyLimit debits the escrow and records a PENDING BUY order.
func (m *Manager) PlaceBuyLimit(ctx context.Context, req PlaceRequest) (*model.LimitOrder, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, err := m.store.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := m.checkLimits(ctx, req); err != nil {
		return nil, err
	}

	escrow := model.Notional(req.Shares, req.LimitPrice)
	if _, err := m.wallet.Debit(ctx, req.UserID, escrow); err != nil {
		return nil, err
	}

	order := &model.LimitOrder{
		UserID:         req.UserID,
		MarketID:       req.MarketID,
		MarketName:     req.MarketName,
		OrderType:      model.Buy,
		Shares:         req.Shares,
		LimitPrice:     req.LimitPrice,
		EscrowedAmount: escrow,
	}
	if err := m.book.Create(ctx, order); err != nil {
		if _, cerr := m.wallet.Credit(ctx, req.UserID, escrow); cerr != nil {
			m.logger.Error("escrow compensation failed",
				"user_id", req.UserID,
				"amount", escrow.StringFixed(2),
				"err", cerr,
			)
			return nil, fmt.Errorf("%w: create order: %w (refund: %w)", ErrStoreWrite, err, cerr)
		}
		return nil, fmt.Errorf("%w: create order: %w", ErrStoreWrite, err)
	}

	metrics.OrdersPlaced.WithLabelValues(string(model.Buy)).Inc()
	m.logger.Info("limit order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"market_id", order.MarketID,
		"side", order.OrderType,
		"shares", order.Shares.String(),
		"limit_price", order.LimitPrice.String(),
		"escrow", escrow.StringFixed(2),
	)
	return order, nil
}

// PlaceSellLimit records a PENDING SELL order after checking that the
// position covers it net of the user's other pending sells.
func (m *Manager) PlaceSellLimit(ctx context.Context, req PlaceRequest) (*model.LimitOrder, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, err := m.store.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	available, err := m.AvailableShares(ctx, req.UserID, req.MarketID)
	if err != nil {
		return nil, err
	}
	if req.Shares.GreaterThan(available) {
		return nil, fmt.Errorf("%w: selling %s, available %s", position.ErrInsufficientShares, req.Shares, available)
	}

	order := &model.LimitOrder{
		UserID:         req.UserID,
		MarketID:       req.MarketID,
		MarketName:     req.MarketName,
		OrderType:      model.Sell,
		Shares:         req.Shares,
		LimitPrice:     req.LimitPrice,
		EscrowedAmount: decimal.Zero,
	}
	if err := m.book.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: create order: %w", ErrStoreWrite, err)
	}

	metrics.OrdersPlaced.WithLabelValues(string(model.Sell)).Inc()
	m.logger.Info("limit order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"market_id", order.MarketID,
		"side", order.OrderType,
		"shares", order.Shares.String(),
		"limit_price", order.LimitPrice.String(),
	)
	return order, nil
}

// AvailableShares is the position's shares minus those locked by the
// user's PENDING SELL orders on the same target, floored at zero.
func (m *Manager) AvailableShares(ctx context.Context, userID, marketID string) (decimal.Decimal, error) {
	held, err := m.ledger.Shares(ctx, userID, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	locked, err := m.book.LockedShares(ctx, userID, marketID, "")
	if err != nil {
		return decimal.Zero, err
	}
	available := held.Sub(locked)
	if available.IsNegative() {
		return decimal.Zero, nil
	}
	return available, nil
}

// CancelOrder moves the caller's PENDING order to CANCELLED and, for a
// BUY, credits the escrow back. The returned order carries the new status.
func (m *Manager) CancelOrder(ctx context.Context, userID, orderID string) (*model.LimitOrder, error) {
	order, err := m.book.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}

	won, err := m.book.Transition(ctx, orderID, model.StatusPending, model.StatusCancelled, model.OrderTransition{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if !won {
		return nil, fmt.Errorf("%w: order %s", ErrOrderNotPending, orderID)
	}
	order.Status = model.StatusCancelled

	refund := decimal.Zero
	if order.OrderType == model.Buy && order.EscrowedAmount.IsPositive() {
		refund = order.EscrowedAmount
		if _, err := m.wallet.Credit(ctx, userID, refund); err != nil {
			m.logger.Error("escrow refund failed",
				"order_id", orderID,
				"user_id", userID,
				"amount", refund.StringFixed(2),
				"err", err,
			)
			return nil, fmt.Errorf("%w: refund escrow: %w", ErrStoreWrite, err)
		}
	}

	metrics.OrdersCancelled.WithLabelValues("user").Inc()
	m.logger.Info("limit order cancelled",
		"order_id", orderID,
		"user_id", userID,
		"refund", refund.StringFixed(2),
	)
	if err := m.publisher.Publish(ctx, events.Cancel(order, refund, m.book.Now())); err != nil {
		m.logger.Warn("publish cancel event", "order_id", orderID, "err", err)
	}
	return order, nil
}

func (m *Manager) checkLimits(ctx context.Context, req PlaceRequest) error {
	if m.limiter == nil {
		return nil
	}
	holdings, err := m.book.PendingBuyShares(ctx, req.UserID)
	if err != nil {
		return err
	}
	positions, err := m.store.ListPositions(ctx, req.UserID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		holdings[p.MarketID] = holdings[p.MarketID].Add(p.Shares)
	}
	if err := m.limiter.CheckLimit(req.MarketID, req.Shares, holdings); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

func validate(req PlaceRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	}
	if _, err := contract.ParseTarget(req.MarketID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if !req.Shares.IsPositive() {
		return fmt.Errorf("%w: shares must be positive", ErrInvalidOrder)
	}
	if !req.LimitPrice.IsPositive() || req.LimitPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: limit price must be between 0 and 1 exclusive", ErrInvalidOrder)
	}
	return nil
}
