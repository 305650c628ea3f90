package ledger

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// TotalPool sums every outcome pool of a bet.
func TotalPool(pools []*big.Int) *big.Int {
	total := new(big.Int)
	for _, p := range pools {
		if p != nil {
			total.Add(total, p)
		}
	}
	return total
}

// RecordInvestment adds amount to the outcome pool and to the investor's
// position on that outcome. The phase is checked before anything else so an
// investment after the deadline is always a phase error.
func RecordInvestment(s *domain.BetState, outcome int, amount *big.Int, now time.Time) error {
	if PhaseOf(s.Bet, now) != domain.PhaseOpen {
		return domain.ErrInvestmentWindowClosed
	}
	if !s.Bet.ValidOutcome(outcome) {
		return domain.ErrInvalidOutcome.Withf("bet %d has %d outcomes, got %d", s.Bet.ID, len(s.Bet.Outcomes), outcome)
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrNonPositiveAmount
	}

	pool := s.Pools[outcome]
	if pool == nil {
		pool = new(big.Int)
	}
	s.Pools[outcome] = new(big.Int).Add(pool, amount)

	if s.Positions == nil {
		s.Positions = make(map[int]*domain.Position)
	}
	pos := s.Positions[outcome]
	if pos == nil {
		pos = &domain.Position{
			BetID:    s.Bet.ID,
			Outcome:  outcome,
			Investor: s.Investor,
			Amount:   new(big.Int),
		}
		s.Positions[outcome] = pos
	}
	pos.Amount = new(big.Int).Add(pos.Amount, amount)
	pos.UpdatedAt = now
	return nil
}

// ComputeReward returns the investor's payout for outcome:
// amount * totalPool / winningPool, truncated toward zero. A zero winning
// pool pays nothing.
func ComputeReward(s *domain.BetState, outcome int) (*big.Int, error) {
	if !s.Bet.Settled {
		return nil, domain.ErrNotSettled
	}
	if outcome != s.Bet.WinningOutcome {
		return nil, domain.ErrNotWinningOutcome
	}
	pos := s.Position(outcome)
	if pos != nil && pos.Claimed {
		return nil, domain.ErrAlreadyClaimed
	}
	if pos == nil || pos.Amount == nil || pos.Amount.Sign() == 0 {
		return new(big.Int), nil
	}
	return proportionalShare(pos.Amount, s.Pools[outcome], TotalPool(s.Pools)), nil
}

// MarkClaimed records payout against the investor's position on outcome.
func MarkClaimed(s *domain.BetState, outcome int, payout *big.Int, now time.Time) error {
	pos := s.Position(outcome)
	if pos == nil {
		return domain.ErrNotFound.Withf("no position on outcome %d", outcome)
	}
	if pos.Claimed {
		return domain.ErrAlreadyClaimed
	}
	pos.Claimed = true
	pos.Payout = new(big.Int).Set(payout)
	pos.UpdatedAt = now
	return nil
}

func proportionalShare(amount, winningPool, total *big.Int) *big.Int {
	if winningPool == nil || winningPool.Sign() == 0 {
		return new(big.Int)
	}
	share := new(big.Int).Mul(amount, total)
	// Quo truncates toward zero; operands are non-negative.
	return share.Quo(share, winningPool)
}
