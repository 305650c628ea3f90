package domain

import (
	"math/big"
	"time"
)

// Position is one investor's cumulative stake in one outcome of one bet.
type Position struct {
	BetID     uint64
	Outcome   int
	Investor  string
	Amount    *big.Int
	Claimed   bool
	Payout    *big.Int // set when Claimed; zero for losing outcomes
	UpdatedAt time.Time
}

// Clone returns a deep copy of p.
func (p Position) Clone() Position {
	out := p
	out.Amount = cloneInt(p.Amount)
	out.Payout = cloneInt(p.Payout)
	return out
}

// BetState is the unit of atomic mutation: a bet, all of its outcome pools and
// the positions of a single investor keyed by outcome index.
type BetState struct {
	Bet       Bet
	Pools     []*big.Int
	Investor  string
	Positions map[int]*Position
	// Payout is what this mutation paid the investor.
	Payout *big.Int
}

// Clone returns a deep copy of s so a mutation can be discarded on failure.
func (s *BetState) Clone() *BetState {
	out := &BetState{
		Bet:       s.Bet.Clone(),
		Pools:     make([]*big.Int, len(s.Pools)),
		Investor:  s.Investor,
		Positions: make(map[int]*Position, len(s.Positions)),
		Payout:    cloneInt(s.Payout),
	}
	for i, p := range s.Pools {
		out.Pools[i] = cloneInt(p)
	}
	for k, p := range s.Positions {
		cp := p.Clone()
		out.Positions[k] = &cp
	}
	return out
}

// Position returns the investor's position on outcome, or nil.
func (s *BetState) Position(outcome int) *Position {
	if s.Positions == nil {
		return nil
	}
	return s.Positions[outcome]
}
