package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// Ledger is the aggregate of all bets. Every mutation runs inside a single
// store transaction and re-reads the clock at commit time.
type Ledger struct {
	store domain.LedgerStore
	clock Clock
}

// New creates a Ledger over store. A nil clock means the system clock.
func New(store domain.LedgerStore, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{store: store, clock: clock}
}

// Now returns the ledger's notion of the current time.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// CreateBet validates the draft and persists a new open bet owned by creator.
func (l *Ledger) CreateBet(ctx context.Context, creator string, d domain.BetDraft) (domain.Bet, error) {
	return l.createBet(ctx, "", creator, d)
}

func (l *Ledger) createBet(ctx context.Context, txID, creator string, d domain.BetDraft) (domain.Bet, error) {
	who, err := CanonicalAddress(creator)
	if err != nil {
		return domain.Bet{}, err
	}
	if d.Creator != "" {
		declared, err := CanonicalAddress(d.Creator)
		if err != nil {
			return domain.Bet{}, err
		}
		if declared != who {
			return domain.Bet{}, domain.ErrCallerMismatch
		}
	}
	now := l.clock.Now()
	if err := ValidateDraft(d, now); err != nil {
		return domain.Bet{}, err
	}
	bet, err := l.store.CreateBet(ctx, txID, NewBet(d, who, now))
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger: create bet: %w", err)
	}
	return bet, nil
}

// Invest stakes amount on outcome of bet betID for investor.
func (l *Ledger) Invest(ctx context.Context, betID uint64, outcome int, investor string, amount *big.Int) (domain.Position, error) {
	return l.invest(ctx, "", betID, outcome, investor, amount)
}

func (l *Ledger) invest(ctx context.Context, txID string, betID uint64, outcome int, investor string, amount *big.Int) (domain.Position, error) {
	who, err := CanonicalAddress(investor)
	if err != nil {
		return domain.Position{}, err
	}
	state, err := l.store.Mutate(ctx, txID, betID, who, func(s *domain.BetState) error {
		return RecordInvestment(s, outcome, amount, l.clock.Now())
	})
	if err != nil {
		return domain.Position{}, wrapMutate("invest", betID, err)
	}
	return state.Position(outcome).Clone(), nil
}

// SettleBet records the winning outcome of bet betID on behalf of settler.
func (l *Ledger) SettleBet(ctx context.Context, betID uint64, settler string, winning int) (domain.Bet, error) {
	return l.settleBet(ctx, "", betID, settler, winning)
}

func (l *Ledger) settleBet(ctx context.Context, txID string, betID uint64, settler string, winning int) (domain.Bet, error) {
	who, err := CanonicalAddress(settler)
	if err != nil {
		return domain.Bet{}, err
	}
	state, err := l.store.Mutate(ctx, txID, betID, who, func(s *domain.BetState) error {
		return Settle(s, who, winning, l.clock.Now())
	})
	if err != nil {
		return domain.Bet{}, wrapMutate("settle", betID, err)
	}
	return state.Bet, nil
}

// ClaimRewards pays out investor's unclaimed positions in bet betID and
// returns the amount paid by this call.
func (l *Ledger) ClaimRewards(ctx context.Context, betID uint64, investor string) (*big.Int, error) {
	return l.claimRewards(ctx, "", betID, investor)
}

func (l *Ledger) claimRewards(ctx context.Context, txID string, betID uint64, investor string) (*big.Int, error) {
	who, err := CanonicalAddress(investor)
	if err != nil {
		return nil, err
	}
	state, err := l.store.Mutate(ctx, txID, betID, who, func(s *domain.BetState) error {
		p, err := Claim(s, l.clock.Now())
		if err != nil {
			return err
		}
		s.Payout = p
		return nil
	})
	if err != nil {
		return nil, wrapMutate("claim", betID, err)
	}
	return state.Payout, nil
}

// Apply runs cmd as transaction txID. A txID the store has already
// committed is not applied again: Apply returns the recorded result, so a
// command redelivered after a lost acknowledgement is confirmed exactly
// once. An empty txID disables the check.
func (l *Ledger) Apply(ctx context.Context, txID string, cmd domain.Command) (domain.Result, error) {
	if txID != "" {
		res, applied, err := l.appliedResult(ctx, txID)
		if err != nil || applied {
			return res, err
		}
	}
	res, err := l.apply(ctx, txID, cmd)
	if errors.Is(err, domain.ErrAlreadyApplied) {
		replay, applied, lookupErr := l.appliedResult(ctx, txID)
		if lookupErr != nil {
			return domain.Result{}, lookupErr
		}
		if applied {
			return replay, nil
		}
	}
	return res, err
}

func (l *Ledger) appliedResult(ctx context.Context, txID string) (domain.Result, bool, error) {
	rec, err := l.store.AppliedTx(ctx, txID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Result{}, false, nil
	}
	if err != nil {
		return domain.Result{}, false, fmt.Errorf("ledger: look up tx %s: %w", txID, err)
	}
	return domain.Result{BetID: rec.BetID, Payout: rec.Payout, Replayed: true}, true, nil
}

func (l *Ledger) apply(ctx context.Context, txID string, cmd domain.Command) (domain.Result, error) {
	switch cmd.Type {
	case domain.CommandCreateBet:
		if cmd.Draft == nil {
			return domain.Result{}, domain.ErrMissingDraft
		}
		bet, err := l.createBet(ctx, txID, cmd.Caller, *cmd.Draft)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.Result{BetID: bet.ID}, nil
	case domain.CommandInvest:
		if _, err := l.invest(ctx, txID, cmd.BetID, cmd.Outcome, cmd.Caller, cmd.Amount); err != nil {
			return domain.Result{}, err
		}
		return domain.Result{BetID: cmd.BetID}, nil
	case domain.CommandSettleBet:
		if _, err := l.settleBet(ctx, txID, cmd.BetID, cmd.Caller, cmd.Outcome); err != nil {
			return domain.Result{}, err
		}
		return domain.Result{BetID: cmd.BetID}, nil
	case domain.CommandClaimRewards:
		payout, err := l.claimRewards(ctx, txID, cmd.BetID, cmd.Caller)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.Result{BetID: cmd.BetID, Payout: payout}, nil
	default:
		return domain.Result{}, domain.ErrUnknownCommand.Withf("%q", cmd.Type)
	}
}

// GetBet returns bet id.
func (l *Ledger) GetBet(ctx context.Context, id uint64) (domain.Bet, error) {
	return l.store.GetBet(ctx, id)
}

// Phase returns the current phase of bet id.
func (l *Ledger) Phase(ctx context.Context, id uint64) (domain.Phase, error) {
	bet, err := l.store.GetBet(ctx, id)
	if err != nil {
		return "", err
	}
	return PhaseOf(bet, l.clock.Now()), nil
}

// GetOutcomePool returns the total staked on outcome of bet id.
func (l *Ledger) GetOutcomePool(ctx context.Context, id uint64, outcome int) (*big.Int, error) {
	pools, err := l.store.GetPools(ctx, id)
	if err != nil {
		return nil, err
	}
	if outcome < 0 || outcome >= len(pools) {
		return nil, domain.ErrInvalidOutcome
	}
	return new(big.Int).Set(pools[outcome]), nil
}

// GetPools returns every outcome pool of bet id.
func (l *Ledger) GetPools(ctx context.Context, id uint64) ([]*big.Int, error) {
	return l.store.GetPools(ctx, id)
}

// GetUserInvestment returns investor's cumulative stake on outcome of bet id,
// zero when the investor never invested.
func (l *Ledger) GetUserInvestment(ctx context.Context, id uint64, outcome int, investor string) (*big.Int, error) {
	who, err := CanonicalAddress(investor)
	if err != nil {
		return nil, err
	}
	bet, err := l.store.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bet.ValidOutcome(outcome) {
		return nil, domain.ErrInvalidOutcome
	}
	pos, err := l.store.GetPosition(ctx, id, outcome, who)
	if errors.Is(err, domain.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.Amount), nil
}

// NextBetID returns the id the next created bet will receive, which equals
// the number of bets created so far.
func (l *Ledger) NextBetID(ctx context.Context) (uint64, error) {
	return l.store.NextBetID(ctx)
}

// ListBets returns bets in id order.
func (l *Ledger) ListBets(ctx context.Context, opts domain.ListOpts) ([]domain.Bet, error) {
	return l.store.ListBets(ctx, opts)
}

// PositionsByInvestor returns every position held by investor.
func (l *Ledger) PositionsByInvestor(ctx context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error) {
	who, err := CanonicalAddress(investor)
	if err != nil {
		return nil, err
	}
	return l.store.ListPositionsByInvestor(ctx, who, opts)
}

// Summary reports how the pool of bet id is (or will be) distributed,
// including the dust left behind by truncated division.
func (l *Ledger) Summary(ctx context.Context, id uint64) (domain.SettlementSummary, error) {
	bet, err := l.store.GetBet(ctx, id)
	if err != nil {
		return domain.SettlementSummary{}, err
	}
	pools, err := l.store.GetPools(ctx, id)
	if err != nil {
		return domain.SettlementSummary{}, err
	}

	sum := domain.SettlementSummary{
		BetID:          id,
		Phase:          PhaseOf(bet, l.clock.Now()),
		TotalPool:      TotalPool(pools),
		WinningPool:    new(big.Int),
		PaidOut:        new(big.Int),
		ProjectedPaid:  new(big.Int),
		Dust:           new(big.Int),
		Settled:        bet.Settled,
		WinningOutcome: bet.WinningOutcome,
	}
	if bet.PaidOut != nil {
		sum.PaidOut.Set(bet.PaidOut)
	}
	if !bet.Settled {
		return sum, nil
	}

	sum.WinningPool.Set(pools[bet.WinningOutcome])
	positions, err := l.store.ListPositions(ctx, id)
	if err != nil {
		return domain.SettlementSummary{}, err
	}
	for _, p := range positions {
		if p.Outcome != bet.WinningOutcome {
			continue
		}
		sum.ProjectedPaid.Add(sum.ProjectedPaid, proportionalShare(p.Amount, sum.WinningPool, sum.TotalPool))
	}
	sum.Dust.Sub(sum.TotalPool, sum.ProjectedPaid)
	return sum, nil
}

// wrapMutate adds operation context while keeping the error classifiable.
func wrapMutate(op string, betID uint64, err error) error {
	var le *domain.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return fmt.Errorf("ledger: %s bet %d: %w", op, betID, err)
}
