// Package store defines the ledger persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Pebble (embedded
// durable KV), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

var (
	// ErrNotFound is returned when a user, order or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating a record whose ID is taken.
	ErrConflict = errors.New("store: already exists")
)

// Store is the ledger store contract. The order status transition is the
// single correctness-critical primitive: it must be an atomic
// compare-and-set on one order row.
type Store interface {
	// --- Users and balances ---

	// CreateUser persists a new user with its initial balance.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]model.User, error)

	// ReadBalance returns the user's current balance.
	ReadBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// WriteBalance overwrites the balance unconditionally.
	WriteBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// CompareAndSetBalance writes next only if the stored balance still
	// equals expected. Returns the number of rows affected (0 or 1).
	CompareAndSetBalance(ctx context.Context, userID string, expected, next decimal.Decimal) (int64, error)

	// --- Limit orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, order *model.LimitOrder) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// TransitionOrderStatus moves an order from expected to next, writing
	// the transition fields, only if its status is still expected.
	// Returns the number of rows affected (0 or 1). Zero means another
	// writer got there first; it is not an error.
	TransitionOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, tr model.OrderTransition) (int64, error)

	// ListOrders returns a user's orders, newest first, filtered to the
	// given statuses (all statuses when none are given).
	ListOrders(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error)

	// ListPendingOrders returns every PENDING order across all users.
	ListPendingOrders(ctx context.Context) ([]model.LimitOrder, error)

	// --- Positions ---

	// GetPosition returns ErrNotFound when the user holds no shares.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	// ListPositions returns a user's open positions.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListAllPositions returns every open position.
	ListAllPositions(ctx context.Context) ([]model.Position, error)

	// UpsertPosition creates or replaces a position.
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// DeletePosition removes a position. Deleting a missing position is a no-op.
	DeletePosition(ctx context.Context, userID, marketID string) error

	// CompareAndSetPosition replaces the position only if its stored share
	// count still equals expected, where zero means no position exists. A
	// nil next deletes the position. It returns the number of rows changed:
	// 0 means a concurrent writer got there first.
	CompareAndSetPosition(ctx context.Context, userID, marketID string, expected decimal.Decimal, next *model.Position) (int64, error)

	// --- Immutable transaction log ---

	// AppendTransaction appends an immutable trade record.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactions returns a user's transactions in time order.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}

// statusIn reports whether s is in the filter; an empty filter matches all.
func statusIn(s model.OrderStatus, filter []model.OrderStatus) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if s == f {
			return true
		}
	}
	return false
}
