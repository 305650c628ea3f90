package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// BetCache is an in-process domain.BetCache bounded by size and ttl.
type BetCache struct {
	lru *expirable.LRU[uint64, domain.BetView]
}

// NewBetCache creates a BetCache holding up to size views for ttl each.
func NewBetCache(size int, ttl time.Duration) *BetCache {
	if size <= 0 {
		size = 1024
	}
	return &BetCache{lru: expirable.NewLRU[uint64, domain.BetView](size, nil, ttl)}
}

func (c *BetCache) Set(_ context.Context, view domain.BetView) error {
	view.Bet = view.Bet.Clone()
	view.Pools = append([]string(nil), view.Pools...)
	c.lru.Add(view.Bet.ID, view)
	return nil
}

func (c *BetCache) Get(_ context.Context, id uint64) (domain.BetView, error) {
	view, ok := c.lru.Get(id)
	if !ok {
		return domain.BetView{}, domain.ErrNotFound.Withf("bet %d not cached", id)
	}
	view.Bet = view.Bet.Clone()
	view.Pools = append([]string(nil), view.Pools...)
	return view, nil
}

func (c *BetCache) Invalidate(_ context.Context, id uint64) error {
	c.lru.Remove(id)
	return nil
}

var _ domain.BetCache = (*BetCache)(nil)
