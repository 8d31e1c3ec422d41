package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.DisplayName, u.Balance.String(), u.CreatedAt,
	)
	return mapWriteErr(err, "user "+u.ID)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &balance, &u.CreatedAt)
	if err != nil {
		return nil, mapReadErr(err, "user "+id)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, balance::TEXT, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance string
		if err := rows.Scan(&u.ID, &u.DisplayName, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balance)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ReadBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, mapReadErr(err, "user "+userID)
	}
	return decimal.NewFromString(balance)
}

func (s *PostgresStore) WriteBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, userID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (s *PostgresStore) CompareAndSetBalance(ctx context.Context, userID string, expected, next decimal.Decimal) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = $3::NUMERIC
		 WHERE id = $1 AND balance = $2::NUMERIC`,
		userID, expected.String(), next.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO limit_orders (id, user_id, market_id, market_name, order_type, shares,
		                           limit_price, escrowed_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		o.ID, o.UserID, o.MarketID, o.MarketName, string(o.OrderType),
		o.Shares.String(), o.LimitPrice.String(), o.EscrowedAmount.String(),
		string(o.Status), o.CreatedAt,
	)
	return mapWriteErr(err, "order "+o.ID)
}

const orderColumns = `id, user_id, market_id, market_name, order_type, shares::TEXT,
	limit_price::TEXT, escrowed_amount::TEXT, status, created_at, filled_at, fill_price::TEXT`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM limit_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, mapReadErr(err, "order "+id)
	}
	return o, nil
}

// TransitionOrderStatus is a single-row conditional UPDATE guarded by the
// expected status; RowsAffected is the CAS result.
func (s *PostgresStore) TransitionOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, tr model.OrderTransition) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE limit_orders
		 SET status = $3,
		     filled_at = COALESCE($4, filled_at),
		     fill_price = CASE WHEN $5::NUMERIC = 0 THEN fill_price ELSE $5::NUMERIC END
		 WHERE id = $1 AND status = $2`,
		orderID, string(expected), string(next), tr.FilledAt, tr.FillPrice.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.LimitOrder, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+orderColumns+` FROM limit_orders
			 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	} else {
		filter := make([]string, len(statuses))
		for i, st := range statuses {
			filter[i] = string(st)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+orderColumns+` FROM limit_orders
			 WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at DESC`, userID, filter)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE status = 'PENDING' ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

const positionColumns = `user_id, market_id, market_name, shares::TEXT, avg_entry_price::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, mapReadErr(err, "position "+userID+"/"+marketID)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY user_id, market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, market_name, shares, avg_entry_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET shares = EXCLUDED.shares,
		     avg_entry_price = EXCLUDED.avg_entry_price,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.MarketName, p.Shares.String(), p.AvgEntryPrice.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, userID, marketID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND market_id = $2`, userID, marketID)
	return err
}

func (s *PostgresStore) CompareAndSetPosition(ctx context.Context, userID, marketID string, expected decimal.Decimal, next *model.Position) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case next != nil && expected.IsZero():
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, market_name, shares, avg_entry_price, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (user_id, market_id) DO NOTHING`,
			userID, marketID, next.MarketName, next.Shares.String(), next.AvgEntryPrice.String(), next.UpdatedAt)
	case next != nil:
		tag, err = s.pool.Exec(ctx,
			`UPDATE positions
			 SET shares = $4::NUMERIC, avg_entry_price = $5::NUMERIC, updated_at = $6
			 WHERE user_id = $1 AND market_id = $2 AND shares = $3::NUMERIC`,
			userID, marketID, expected.String(), next.Shares.String(), next.AvgEntryPrice.String(), next.UpdatedAt)
	case !expected.IsZero():
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND shares = $3::NUMERIC`,
			userID, marketID, expected.String())
	default:
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM positions WHERE user_id = $1 AND market_id = $2)`,
			userID, marketID).Scan(&exists); err != nil {
			return 0, err
		}
		if exists {
			return 0, nil
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, market_name, action_type, shares,
		                           price_per_share, total_amount, order_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		tx.ID, tx.UserID, tx.MarketID, tx.MarketName, string(tx.ActionType),
		tx.Shares.String(), tx.PricePerShare.String(), tx.TotalAmount.String(),
		tx.OrderID, tx.Timestamp,
	)
	return mapWriteErr(err, "transaction "+tx.ID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, market_name, action_type, shares::TEXT,
		        price_per_share::TEXT, total_amount::TEXT, order_id, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var action, shares, price, total string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.MarketID, &tx.MarketName, &action,
			&shares, &price, &total, &tx.OrderID, &tx.Timestamp); err != nil {
			return nil, err
		}
		tx.ActionType = model.OrderType(action)
		tx.Shares, _ = decimal.NewFromString(shares)
		tx.PricePerShare, _ = decimal.NewFromString(price)
		tx.TotalAmount, _ = decimal.NewFromString(total)
		result = append(result, tx)
	}
	return result, rows.Err()
}

// --- Scan helpers ---

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var orderType, status, shares, limit, escrow, fillPrice string
	var filledAt *time.Time

	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.MarketName, &orderType, &shares,
		&limit, &escrow, &status, &o.CreatedAt, &filledAt, &fillPrice); err != nil {
		return nil, err
	}
	o.OrderType = model.OrderType(orderType)
	o.Status = model.OrderStatus(status)
	o.Shares, _ = decimal.NewFromString(shares)
	o.LimitPrice, _ = decimal.NewFromString(limit)
	o.EscrowedAmount, _ = decimal.NewFromString(escrow)
	o.FillPrice, _ = decimal.NewFromString(fillPrice)
	o.FilledAt = filledAt
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.LimitOrder, error) {
	var orders []model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var shares, avg string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.MarketName, &shares, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgEntryPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func mapReadErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func mapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, what)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}
