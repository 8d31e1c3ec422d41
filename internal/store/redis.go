package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// user profiles and position lists. Writes go to the primary store and
// invalidate the cache. Balance reads, order reads and every conditional
// write bypass the cache: they must see the primary's current state.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userCacheKey(u.ID))
	return nil
}

func (s *CachedStore) WriteBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.WriteBalance(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userCacheKey(userID))
	return nil
}

func (s *CachedStore) CompareAndSetBalance(ctx context.Context, userID string, expected, next decimal.Decimal) (int64, error) {
	n, err := s.primary.CompareAndSetBalance(ctx, userID, expected, next)
	if err == nil && n > 0 {
		s.rdb.Del(ctx, userCacheKey(userID))
	}
	return n, err
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsCacheKey(p.UserID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, userID, marketID string) error {
	if err := s.primary.DeletePosition(ctx, userID, marketID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsCacheKey(userID))
	return nil
}

func (s *CachedStore) CompareAndSetPosition(ctx context.Context, userID, marketID string, expected decimal.Decimal, next *model.Position) (int64, error) {
	n, err := s.primary.CompareAndSetPosition(ctx, userID, marketID, expected, next)
	if err == nil && n > 0 {
		s.rdb.Del(ctx, positionsCacheKey(userID))
	}
	return n, err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userCacheKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss: read from primary.
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userCacheKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsCacheKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsCacheKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ReadBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.ReadBalance(ctx, userID)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) TransitionOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, tr model.OrderTransition) (int64, error) {
	return s.primary.TransitionOrderStatus(ctx, orderID, expected, next, tr)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error) {
	return s.primary.ListOrders(ctx, userID, statuses...)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context) ([]model.LimitOrder, error) {
	return s.primary.ListPendingOrders(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListAllPositions(ctx)
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.AppendTransaction(ctx, tx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Cache helpers ---

func userCacheKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func positionsCacheKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
