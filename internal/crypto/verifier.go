package crypto

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// DefaultEnvelopeWindow is how far IssuedAt may drift from the server clock.
const DefaultEnvelopeWindow = 5 * time.Minute

// Verifier authenticates signed envelopes: the recovered signer must be the
// command's caller, the envelope must be fresh and its nonce unused.
type Verifier struct {
	nonces domain.NonceGuard
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. A non-positive window uses
// DefaultEnvelopeWindow.
func NewVerifier(nonces domain.NonceGuard, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultEnvelopeWindow
	}
	return &Verifier{nonces: nonces, window: window, now: time.Now}
}

// Verify returns env's command with Caller replaced by the checksummed
// signer address.
func (v *Verifier) Verify(ctx context.Context, env domain.Envelope) (domain.Command, error) {
	if !env.Command.Type.Valid() {
		return domain.Command{}, domain.ErrUnknownCommand.Withf("%q", env.Command.Type)
	}
	if strings.TrimSpace(env.Nonce) == "" {
		return domain.Command{}, domain.ErrStaleEnvelope.Withf("missing nonce")
	}

	signer, err := RecoverSigner(env)
	if err != nil {
		return domain.Command{}, err
	}
	if !strings.EqualFold(signer, env.Command.Caller) {
		return domain.Command{}, domain.ErrCallerMismatch.Withf("signed by %s, caller %s", signer, env.Command.Caller)
	}

	issued := time.Unix(env.IssuedAt, 0)
	if d := v.now().Sub(issued); d > v.window || d < -v.window {
		return domain.Command{}, domain.ErrStaleEnvelope.Withf("issued %s", issued.UTC().Format(time.RFC3339))
	}
	// Any envelope older than the window is already rejected above, so the
	// nonce only needs remembering for twice the window.
	if err := v.nonces.Reserve(ctx, signer, env.Nonce, 2*v.window); err != nil {
		return domain.Command{}, err
	}

	cmd := env.Command
	cmd.Caller = signer
	return cmd, nil
}

// MemoryNonceGuard implements domain.NonceGuard in process for deployments
// without Redis.
type MemoryNonceGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
	now  func() time.Time
}

// NewMemoryNonceGuard remembers up to size nonces for at most maxTTL.
func NewMemoryNonceGuard(size int, maxTTL time.Duration) *MemoryNonceGuard {
	if size <= 0 {
		size = 100_000
	}
	return &MemoryNonceGuard{
		seen: expirable.NewLRU[string, time.Time](size, nil, maxTTL),
		now:  time.Now,
	}
}

func (g *MemoryNonceGuard) Reserve(_ context.Context, signer, nonce string, ttl time.Duration) error {
	key := strings.ToLower(signer) + ":" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if expires, ok := g.seen.Get(key); ok && now.Before(expires) {
		return domain.ErrReplayedNonce.Withf("signer %s nonce %s", signer, nonce)
	}
	g.seen.Add(key, now.Add(ttl))
	return nil
}

var _ domain.NonceGuard = (*MemoryNonceGuard)(nil)
