package redis

import (
	"PredictionLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const defaultViewTTL = 30 * time.Second

// MarketViewCache implements query.ViewCache.
//
// Key schema:
//
//	market:view:{address} - JSON-encoded query.MarketView
//
// Entries are dropped by the projection worker whenever the market emits an
// event; the TTL only bounds staleness if an invalidation is lost.
type MarketViewCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewMarketViewCache(c *Client, ttl time.Duration) *MarketViewCache {
	if ttl <= 0 {
		ttl = defaultViewTTL
	}
	return &MarketViewCache{rdb: c.rdb, ttl: ttl}
}

func marketViewKey(addr common.Address) string { return "market:view:" + addr.Hex() }

func (mc *MarketViewCache) GetMarket(ctx context.Context, addr common.Address) (*query.MarketView, error) {
	data, err := mc.rdb.Get(ctx, marketViewKey(addr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, query.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get market view %s: %w", addr.Hex(), err)
	}

	var view query.MarketView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("redis: unmarshal market view %s: %w", addr.Hex(), err)
	}
	return &view, nil
}

// SetMarket stores a view unless a newer one is already cached
func (mc *MarketViewCache) SetMarket(ctx context.Context, view *query.MarketView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal market view %s: %w", view.Address.Hex(), err)
	}

	key := marketViewKey(view.Address)
	err = mc.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cached query.MarketView
			if json.Unmarshal(current, &cached) == nil && cached.AsOfSequence > view.AsOfSequence {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, mc.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost a race with another writer or an invalidation; either is fine
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: set market view %s: %w", view.Address.Hex(), err)
	}
	return nil
}

func (mc *MarketViewCache) InvalidateMarket(ctx context.Context, addr common.Address) error {
	if err := mc.rdb.Del(ctx, marketViewKey(addr)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market view %s: %w", addr.Hex(), err)
	}
	return nil
}
