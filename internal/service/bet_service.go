// Package service composes the ledger with its collaborators: metadata,
// caches, the event bus, the audit log and notifications.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/metrics"
	"github.com/alanyoungcy/betledger/internal/notify"
	"github.com/alanyoungcy/betledger/internal/txpool"
)

// BetDetail is a bet as shown to clients: the cached view plus its phase
// at read time and, when retrievable, its metadata document.
type BetDetail struct {
	domain.BetView
	Phase         domain.Phase
	Metadata      *domain.BetMetadata
	MetadataError string
}

// BetService applies commands and serves reads.
type BetService struct {
	ledger   *ledger.Ledger
	metadata domain.MetadataStore
	cache    domain.BetCache
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewBetService creates a BetService. metadata, cache, bus, audit and
// notifier may be nil.
func NewBetService(
	l *ledger.Ledger,
	metadata domain.MetadataStore,
	cache domain.BetCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *BetService {
	return &BetService{
		ledger:   l,
		metadata: metadata,
		cache:    cache,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "bet_service")),
	}
}

// Ledger returns the underlying ledger.
func (s *BetService) Ledger() *ledger.Ledger { return s.ledger }

// ApplyCommand runs a dequeued command against the ledger and broadcasts
// the result. Final rejections are broadcast too; transport failures are
// returned untouched so the pool can retry them.
func (s *BetService) ApplyCommand(ctx context.Context, tx domain.PendingTx) (domain.Result, error) {
	cmd := tx.Command
	if cmd.Type == domain.CommandCreateBet && cmd.Draft != nil {
		release, err := s.checkExternalRef(ctx, cmd.Draft.ExternalRef)
		if err != nil {
			return domain.Result{}, s.rejected(ctx, tx, err)
		}
		defer release()
	}

	res, err := s.ledger.Apply(ctx, tx.TxID, cmd)
	if err != nil {
		return domain.Result{}, s.rejected(ctx, tx, err)
	}
	if res.Replayed {
		s.logger.InfoContext(ctx, "command already committed, returning recorded result",
			slog.String("tx_id", tx.TxID),
			slog.String("type", string(cmd.Type)),
		)
	}
	s.confirmed(ctx, tx, res)
	return res, nil
}

// checkExternalRef refuses references that do not name a stored metadata
// document. On success the reference stays pinned until release, so the
// document cannot be swept before the bet that names it commits. Without a
// metadata store the reference is taken as given.
func (s *BetService) checkExternalRef(ctx context.Context, ref string) (release func(), err error) {
	if s.metadata == nil {
		return func() {}, nil
	}
	if ref == "" {
		return nil, domain.ErrUnknownExternalRef.Withf("missing reference")
	}
	release, err = s.metadata.Pin(ctx, ref)
	if err != nil {
		return nil, err
	}
	ok, err := s.metadata.Exists(ctx, ref)
	if err != nil {
		release()
		return nil, err
	}
	if !ok {
		release()
		return nil, domain.ErrUnknownExternalRef.Withf("%s", ref)
	}
	return release, nil
}

func (s *BetService) rejected(ctx context.Context, tx domain.PendingTx, err error) error {
	if domain.Retryable(err) {
		return err
	}
	s.publish(ctx, domain.LedgerEvent{
		Type:      domain.EventTxRejected,
		TxID:      tx.TxID,
		BetID:     tx.Command.BetID,
		Actor:     tx.Command.Caller,
		Reason:    err.Error(),
		Timestamp: s.ledger.Now().UTC(),
	})
	s.record(ctx, "tx.rejected", map[string]any{
		"tx_id":  tx.TxID,
		"type":   string(tx.Command.Type),
		"caller": tx.Command.Caller,
		"kind":   string(domain.KindOf(err)),
		"code":   domain.CodeOf(err),
	})
	return err
}

func (s *BetService) confirmed(ctx context.Context, tx domain.PendingTx, res domain.Result) {
	cmd := tx.Command
	ev := domain.LedgerEvent{
		TxID:      tx.TxID,
		BetID:     res.BetID,
		Actor:     cmd.Caller,
		Outcome:   cmd.Outcome,
		Timestamp: s.ledger.Now().UTC(),
	}
	detail := map[string]any{"tx_id": tx.TxID, "bet_id": res.BetID, "actor": cmd.Caller}
	var event string

	switch cmd.Type {
	case domain.CommandCreateBet:
		ev.Type, event = domain.EventBetCreated, "bet.created"
		ev.Outcome = 0
		if bet, err := s.ledger.GetBet(ctx, res.BetID); err == nil {
			ev.Title = bet.Title
			detail["external_ref"] = bet.ExternalRef
			detail["outcomes"] = len(bet.Outcomes)
		}
		metrics.BetsCreated.Inc()

	case domain.CommandInvest:
		ev.Type, event = domain.EventInvested, "bet.invested"
		ev.Amount = new(big.Int).Set(cmd.Amount)
		detail["outcome"] = cmd.Outcome
		detail["amount"] = cmd.Amount.String()
		metrics.AddWei(metrics.WeiInvested, cmd.Amount)

	case domain.CommandSettleBet:
		ev.Type, event = domain.EventBetSettled, "bet.settled"
		detail["winning_outcome"] = cmd.Outcome
		if sum, err := s.ledger.Summary(ctx, res.BetID); err == nil {
			ev.Amount = sum.Dust
			detail["total_pool"] = sum.TotalPool.String()
			detail["winning_pool"] = sum.WinningPool.String()
			detail["dust"] = sum.Dust.String()
			metrics.AddWei(metrics.SettlementDust, sum.Dust)
		} else {
			s.logger.WarnContext(ctx, "settlement summary failed",
				slog.Uint64("bet_id", res.BetID),
				slog.String("error", err.Error()),
			)
		}
		metrics.BetsSettled.Inc()

	case domain.CommandClaimRewards:
		ev.Type, event = domain.EventRewardsClaimed, "rewards.claimed"
		ev.Outcome = 0
		ev.Amount = res.Payout
		detail["payout"] = res.Payout.String()
		metrics.AddWei(metrics.WeiPaidOut, res.Payout)
	}

	if cmd.Type != domain.CommandCreateBet {
		s.invalidate(ctx, res.BetID)
	}
	s.record(ctx, event, detail)
	s.publish(ctx, ev)
}

func (s *BetService) invalidate(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.Uint64("bet_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// record writes an audit entry. The state change is already committed, so
// a failure is logged and not returned.
func (s *BetService) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish broadcasts ev on the live channel and appends it to the durable
// stream, then hands it to the notifier.
func (s *BetService) publish(ctx context.Context, ev domain.LedgerEvent) {
	s.notifier.Enqueue(ev)
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	label := string(ev.Type)
	if err := s.bus.Publish(ctx, domain.ChannelLedgerEvents, payload); err != nil {
		metrics.EventPublishErrors.WithLabelValues(label).Inc()
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", label),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamLedgerEvents, payload); err != nil {
		metrics.EventPublishErrors.WithLabelValues(label).Inc()
		s.logger.WarnContext(ctx, "append event failed",
			slog.String("event", label),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.EventsPublished.WithLabelValues(label).Inc()
}

// GetBetView returns the bet and its pools, from the cache when possible.
func (s *BetService) GetBetView(ctx context.Context, id uint64) (domain.BetView, error) {
	if s.cache != nil {
		if view, err := s.cache.Get(ctx, id); err == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return view, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	bet, err := s.ledger.GetBet(ctx, id)
	if err != nil {
		return domain.BetView{}, err
	}
	pools, err := s.ledger.GetPools(ctx, id)
	if err != nil {
		return domain.BetView{}, err
	}
	view := domain.BetView{Bet: bet, Pools: make([]string, len(pools))}
	for i, p := range pools {
		view.Pools[i] = p.String()
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, view); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Uint64("bet_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return view, nil
}

// GetBetDetail returns the bet view, its current phase and its metadata.
// Metadata retrieval failures are reported in MetadataError, never as an
// error.
func (s *BetService) GetBetDetail(ctx context.Context, id uint64) (BetDetail, error) {
	view, err := s.GetBetView(ctx, id)
	if err != nil {
		return BetDetail{}, err
	}
	detail := BetDetail{BetView: view, Phase: ledger.PhaseOf(view.Bet, s.ledger.Now())}
	if s.metadata == nil || view.Bet.ExternalRef == "" {
		return detail, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	meta, err := s.metadata.Fetch(fetchCtx, view.Bet.ExternalRef)
	if err != nil {
		s.logger.WarnContext(ctx, "metadata fetch failed",
			slog.Uint64("bet_id", id),
			slog.String("ref", view.Bet.ExternalRef),
			slog.String("error", err.Error()),
		)
		detail.MetadataError = err.Error()
		return detail, nil
	}
	detail.Metadata = &meta
	return detail, nil
}

// ListBets returns a page of bets in id order.
func (s *BetService) ListBets(ctx context.Context, opts domain.ListOpts) ([]domain.Bet, error) {
	bets, err := s.ledger.ListBets(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("bet_service: list bets: %w", err)
	}
	return bets, nil
}

// Summary reports the distribution of bet id's pool.
func (s *BetService) Summary(ctx context.Context, id uint64) (domain.SettlementSummary, error) {
	return s.ledger.Summary(ctx, id)
}

// OutcomePool returns the total staked on outcome of bet id.
func (s *BetService) OutcomePool(ctx context.Context, id uint64, outcome int) (*big.Int, error) {
	return s.ledger.GetOutcomePool(ctx, id, outcome)
}

// UserInvestment returns investor's stake on outcome of bet id.
func (s *BetService) UserInvestment(ctx context.Context, id uint64, outcome int, investor string) (*big.Int, error) {
	return s.ledger.GetUserInvestment(ctx, id, outcome, investor)
}

// Positions returns every position investor holds across bets.
func (s *BetService) Positions(ctx context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error) {
	return s.ledger.PositionsByInvestor(ctx, investor, opts)
}

// NextBetID returns the id the next bet will receive.
func (s *BetService) NextBetID(ctx context.Context) (uint64, error) {
	return s.ledger.NextBetID(ctx)
}

// UploadMetadata stores the metadata document for a draft and returns its
// reference.
func (s *BetService) UploadMetadata(ctx context.Context, meta domain.BetMetadata) (string, error) {
	if s.metadata == nil {
		return "", domain.ErrMetadataUnavailable.Withf("no metadata store configured")
	}
	return s.metadata.Upload(ctx, meta)
}

// FetchMetadata returns the document stored under ref.
func (s *BetService) FetchMetadata(ctx context.Context, ref string) (domain.BetMetadata, error) {
	if s.metadata == nil {
		return domain.BetMetadata{}, domain.ErrMetadataUnavailable.Withf("no metadata store configured")
	}
	return s.metadata.Fetch(ctx, ref)
}

var _ txpool.Applier = (*BetService)(nil)
