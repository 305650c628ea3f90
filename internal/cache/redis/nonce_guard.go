package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// NonceGuard implements domain.NonceGuard with SET NX, so a nonce is
// accepted once across every replica within its ttl.
type NonceGuard struct {
	c *Client
}

// NewNonceGuard creates a NonceGuard backed by c.
func NewNonceGuard(c *Client) *NonceGuard {
	return &NonceGuard{c: c}
}

func (g *NonceGuard) Reserve(ctx context.Context, signer, nonce string, ttl time.Duration) error {
	key := g.c.Key("nonce", strings.ToLower(signer), nonce)
	ok, err := g.c.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: reserve nonce: %w", err)
	}
	if !ok {
		return domain.ErrReplayedNonce.Withf("signer %s nonce %s", signer, nonce)
	}
	return nil
}

var _ domain.NonceGuard = (*NonceGuard)(nil)
