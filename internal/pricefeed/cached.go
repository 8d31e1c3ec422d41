package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/fill"
)

const snapshotKey = "prices:snapshot"

// Cached memoizes the full price snapshot of another feed in Redis for a
// short TTL, so every instance and every evaluator shares one upstream
// fetch per interval. Redis failures fall through to the upstream feed.
type Cached struct {
	next   Feed
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps next with a Redis snapshot cache.
func NewCached(next Feed, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *Cached) Prices(ctx context.Context, ids []string) (fill.PriceMap, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		if all, derr := decode(raw); derr == nil {
			return pick(all, ids), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("price cache read failed", "err", err)
	}

	all, err := c.next.Prices(ctx, nil)
	if err != nil {
		return nil, err
	}
	if data, err := encode(all); err == nil {
		if err := c.rdb.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
			c.logger.Warn("price cache write failed", "err", err)
		}
	}
	return pick(all, ids), nil
}

func encode(p fill.PriceMap) ([]byte, error) {
	return json.Marshal(map[string]decimal.Decimal(p))
}

func decode(raw []byte) (fill.PriceMap, error) {
	var m map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return fill.PriceMap(m), nil
}
