package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// EnvelopeVerifier authenticates a signed envelope and returns its command
// with the caller set to the recovered signer.
type EnvelopeVerifier interface {
	Verify(ctx context.Context, env domain.Envelope) (domain.Command, error)
}

// Submitter is the submit-and-confirm channel.
type Submitter interface {
	Submit(ctx context.Context, cmd domain.Command) (domain.Receipt, error)
	Status(ctx context.Context, txID string) (domain.Receipt, error)
	Await(ctx context.Context, txID string) (domain.Receipt, error)
}

// RateLimit bounds submissions per caller.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// TxService accepts signed envelopes from clients.
type TxService struct {
	verifier EnvelopeVerifier
	pool     Submitter
	limiter  domain.RateLimiter
	limit    RateLimit
	logger   *slog.Logger
}

// NewTxService creates a TxService. A nil limiter or a zero limit disables
// per-caller rate limiting.
func NewTxService(verifier EnvelopeVerifier, pool Submitter, limiter domain.RateLimiter, limit RateLimit, logger *slog.Logger) *TxService {
	return &TxService{
		verifier: verifier,
		pool:     pool,
		limiter:  limiter,
		limit:    limit,
		logger:   logger.With(slog.String("component", "tx_service")),
	}
}

// Submit verifies env and queues its command. The returned receipt is
// pending; the command is validated again when it is applied.
func (s *TxService) Submit(ctx context.Context, env domain.Envelope) (domain.Receipt, error) {
	if s.limiter != nil && s.limit.Limit > 0 {
		key := "tx:" + strings.ToLower(env.Command.Caller)
		allowed, err := s.limiter.Allow(ctx, key, s.limit.Limit, s.limit.Window)
		if err != nil {
			s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			return domain.Receipt{}, domain.ErrRateLimited
		}
	}

	cmd, err := s.verifier.Verify(ctx, env)
	if err != nil {
		s.logger.InfoContext(ctx, "envelope refused",
			slog.String("caller", env.Command.Caller),
			slog.String("code", domain.CodeOf(err)),
		)
		return domain.Receipt{}, err
	}
	return s.pool.Submit(ctx, cmd)
}

// Status returns the current receipt for txID.
func (s *TxService) Status(ctx context.Context, txID string) (domain.Receipt, error) {
	return s.pool.Status(ctx, txID)
}

// Await waits up to timeout for txID to resolve. When it does not, the
// pending receipt is returned without an error.
func (s *TxService) Await(ctx context.Context, txID string, timeout time.Duration) (domain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r, err := s.pool.Await(waitCtx, txID)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		if r.TxID == "" {
			return s.pool.Status(ctx, txID)
		}
		return r, nil
	}
	return r, err
}
