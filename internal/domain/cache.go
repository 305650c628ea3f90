package domain

import (
	"context"
	"time"
)

// BetView is the read model served to clients: a bet plus its pools,
// rendered as decimal strings.
type BetView struct {
	Bet   Bet      `json:"bet"`
	Pools []string `json:"pools"`
}

// BetCache holds read models of bets. Entries are dropped whenever a mutation
// of the bet is confirmed; writes never consult the cache.
type BetCache interface {
	Set(ctx context.Context, view BetView) error
	Get(ctx context.Context, id uint64) (BetView, error)
	Invalidate(ctx context.Context, id uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceGuard remembers envelope nonces so a signed command cannot be
// replayed within the acceptance window.
type NonceGuard interface {
	// Reserve records nonce for signer. It returns ErrReplayedNonce when the
	// pair has been seen within ttl.
	Reserve(ctx context.Context, signer, nonce string, ttl time.Duration) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
