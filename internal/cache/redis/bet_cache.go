package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// DefaultBetTTL bounds how long a read model may outlive a missed
// invalidation.
const DefaultBetTTL = 5 * time.Minute

// BetCache implements domain.BetCache with one JSON string per bet.
//
// Key schema:
//
//	{prefix}:bet:{id} - JSON encoded domain.BetView
type BetCache struct {
	c   *Client
	ttl time.Duration
}

// NewBetCache creates a BetCache. A non-positive ttl uses DefaultBetTTL.
func NewBetCache(c *Client, ttl time.Duration) *BetCache {
	if ttl <= 0 {
		ttl = DefaultBetTTL
	}
	return &BetCache{c: c, ttl: ttl}
}

func (bc *BetCache) key(id uint64) string {
	return bc.c.Key("bet", strconv.FormatUint(id, 10))
}

func (bc *BetCache) Set(ctx context.Context, view domain.BetView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal bet %d: %w", view.Bet.ID, err)
	}
	if err := bc.c.rdb.Set(ctx, bc.key(view.Bet.ID), data, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set bet %d: %w", view.Bet.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (bc *BetCache) Get(ctx context.Context, id uint64) (domain.BetView, error) {
	data, err := bc.c.rdb.Get(ctx, bc.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BetView{}, domain.ErrNotFound
		}
		return domain.BetView{}, fmt.Errorf("redis: get bet %d: %w", id, err)
	}
	var view domain.BetView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.BetView{}, fmt.Errorf("redis: unmarshal bet %d: %w", id, err)
	}
	return view, nil
}

func (bc *BetCache) Invalidate(ctx context.Context, id uint64) error {
	if err := bc.c.rdb.Del(ctx, bc.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate bet %d: %w", id, err)
	}
	return nil
}

var _ domain.BetCache = (*BetCache)(nil)
