package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	orders    map[string]*model.LimitOrder
	orderSeq  map[string]int // insertion order, breaks CreatedAt ties
	seq       int
	positions map[posKey]*model.Position
	ledger    []model.Transaction
}

type posKey struct {
	userID, marketID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.LimitOrder),
		orderSeq:  make(map[string]int),
		positions: make(map[posKey]*model.Position),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrConflict, u.ID)
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (s *MemoryStore) ReadBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u.Balance, nil
}

func (s *MemoryStore) WriteBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	u.Balance = amount
	return nil
}

func (s *MemoryStore) CompareAndSetBalance(_ context.Context, userID string, expected, next decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if !u.Balance.Equal(expected) {
		return 0, nil
	}
	u.Balance = next
	return 1, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	s.seq++
	s.orderSeq[o.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) TransitionOrderStatus(_ context.Context, orderID string, expected, next model.OrderStatus, tr model.OrderTransition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != expected {
		return 0, nil
	}
	o.Status = next
	if tr.FilledAt != nil {
		at := *tr.FilledAt
		o.FilledAt = &at
	}
	if !tr.FillPrice.IsZero() {
		o.FillPrice = tr.FillPrice
	}
	return 1, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.UserID == userID && statusIn(o.Status, statuses) {
			result = append(result, *o)
		}
	}
	s.sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.Status == model.StatusPending {
			result = append(result, *o)
		}
	}
	s.sortNewestFirst(result)
	return result, nil
}

// sortNewestFirst must be called with s.mu held.
func (s *MemoryStore) sortNewestFirst(orders []model.LimitOrder) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return s.orderSeq[a.ID] > s.orderSeq[b.ID]
	})
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{userID, marketID}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, userID, marketID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (s *MemoryStore) ListAllPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].MarketID < result[j].MarketID
	})
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[posKey{p.UserID, p.MarketID}] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, userID, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, posKey{userID, marketID})
	return nil
}

func (s *MemoryStore) CompareAndSetPosition(_ context.Context, userID, marketID string, expected decimal.Decimal, next *model.Position) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey{userID, marketID}
	held := decimal.Zero
	if p, ok := s.positions[key]; ok {
		held = p.Shares
	}
	if !held.Equal(expected) {
		return 0, nil
	}
	if next == nil {
		delete(s.positions, key)
		return 1, nil
	}
	copy := *next
	s.positions[key] = &copy
	return 1, nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}
