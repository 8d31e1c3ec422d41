package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

// PebbleStore implements Store on an embedded Pebble database.
// Values are JSON. Conditional writes read, check and commit a batch
// while holding mu, so each compare-and-set is atomic per process.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-check-write sequences
}

// NewPebbleStore opens (or creates) a database at path.
func NewPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: u:<user>, o:<order>, uo:<user>:<order>, p:<user>:<market>, t:<user>:<nanos>:<id>
func userKey(id string) []byte               { return []byte("u:" + id) }
func orderKey(id string) []byte              { return []byte("o:" + id) }
func userOrderKey(userID, id string) []byte  { return []byte("uo:" + userID + ":" + id) }
func userOrderPrefix(userID string) []byte   { return []byte("uo:" + userID + ":") }
func positionKey(userID, mkt string) []byte  { return []byte("p:" + userID + ":" + mkt) }
func positionPrefix(userID string) []byte    { return []byte("p:" + userID + ":") }
func transactionPrefix(userID string) []byte { return []byte("t:" + userID + ":") }

func transactionKey(tx *model.Transaction) []byte {
	return []byte(fmt.Sprintf("t:%s:%020d:%s", tx.UserID, tx.Timestamp.UnixNano(), tx.ID))
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) get(key []byte, out interface{}) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

func (s *PebbleStore) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) set(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// scan calls fn with every value under prefix, in key order.
func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(userKey(u.ID))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: user %s", ErrConflict, u.ID)
	}
	return s.set(userKey(u.ID), u)
}

func (s *PebbleStore) GetUser(_ context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.get(userKey(id), &u); err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PebbleStore) ListUsers(_ context.Context) ([]model.User, error) {
	var users []model.User
	err := s.scan([]byte("u:"), func(_, val []byte) error {
		var u model.User
		if err := json.Unmarshal(val, &u); err != nil {
			return err
		}
		users = append(users, u)
		return nil
	})
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, err
}

func (s *PebbleStore) ReadBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

func (s *PebbleStore) WriteBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var u model.User
	if err := s.get(userKey(userID), &u); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	u.Balance = amount
	return s.set(userKey(userID), &u)
}

func (s *PebbleStore) CompareAndSetBalance(_ context.Context, userID string, expected, next decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var u model.User
	if err := s.get(userKey(userID), &u); err != nil {
		return 0, fmt.Errorf("user %s: %w", userID, err)
	}
	if !u.Balance.Equal(expected) {
		return 0, nil
	}
	u.Balance = next
	if err := s.set(userKey(userID), &u); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *PebbleStore) CreateOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(orderKey(o.ID))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}

	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(userOrderKey(o.UserID, o.ID), nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	var o model.LimitOrder
	if err := s.get(orderKey(id), &o); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PebbleStore) TransitionOrderStatus(_ context.Context, orderID string, expected, next model.OrderStatus, tr model.OrderTransition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var o model.LimitOrder
	err := s.get(orderKey(orderID), &o)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if o.Status != expected {
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
	if err := s.set(orderKey(orderID), &o); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *PebbleStore) ListOrders(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error) {
	var orders []model.LimitOrder
	prefix := userOrderPrefix(userID)
	err := s.scan(prefix, func(key, _ []byte) error {
		id := string(key[len(prefix):])
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if statusIn(o.Status, statuses) {
			orders = append(orders, *o)
		}
		return nil
	})
	sortOrdersNewestFirst(orders)
	return orders, err
}

func (s *PebbleStore) ListPendingOrders(_ context.Context) ([]model.LimitOrder, error) {
	var orders []model.LimitOrder
	err := s.scan([]byte("o:"), func(_, val []byte) error {
		var o model.LimitOrder
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.Status == model.StatusPending {
			orders = append(orders, o)
		}
		return nil
	})
	sortOrdersNewestFirst(orders)
	return orders, err
}

func sortOrdersNewestFirst(orders []model.LimitOrder) {
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
}

func (s *PebbleStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	if err := s.get(positionKey(userID, marketID), &p); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, err)
	}
	return &p, nil
}

func (s *PebbleStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.scanPositions(positionPrefix(userID))
}

func (s *PebbleStore) ListAllPositions(_ context.Context) ([]model.Position, error) {
	return s.scanPositions([]byte("p:"))
}

func (s *PebbleStore) scanPositions(prefix []byte) ([]model.Position, error) {
	var positions []model.Position
	err := s.scan(prefix, func(_, val []byte) error {
		var p model.Position
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		positions = append(positions, p)
		return nil
	})
	return positions, err
}

func (s *PebbleStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(positionKey(p.UserID, p.MarketID), p)
}

func (s *PebbleStore) DeletePosition(_ context.Context, userID, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(positionKey(userID, marketID), pebble.Sync)
}

func (s *PebbleStore) CompareAndSetPosition(_ context.Context, userID, marketID string, expected decimal.Decimal, next *model.Position) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(userID, marketID)
	held := decimal.Zero
	var cur model.Position
	switch err := s.get(key, &cur); {
	case err == nil:
		held = cur.Shares
	case !errors.Is(err, ErrNotFound):
		return 0, fmt.Errorf("position %s/%s: %w", userID, marketID, err)
	}
	if !held.Equal(expected) {
		return 0, nil
	}
	if next == nil {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err := s.set(key, next); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *PebbleStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := transactionKey(tx)
	ok, err := s.exists(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: transaction %s", ErrConflict, tx.ID)
	}
	return s.set(key, tx)
}

func (s *PebbleStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	var result []model.Transaction
	err := s.scan(transactionPrefix(userID), func(_, val []byte) error {
		var tx model.Transaction
		if err := json.Unmarshal(val, &tx); err != nil {
			return err
		}
		result = append(result, tx)
		return nil
	})
	return result, err
}
