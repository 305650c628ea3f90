package ledger

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// CanonicalAddress validates a hex account address and returns its
// checksummed form, so comparisons are case-insensitive.
func CanonicalAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", domain.ErrInvalidAddress.Withf("%q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// ValidateDraft checks a bet definition against the creation rules.
func ValidateDraft(d domain.BetDraft, now time.Time) error {
	if strings.TrimSpace(d.Title) == "" {
		return domain.ErrEmptyTitle
	}
	if len(d.Outcomes) < domain.MinOutcomes {
		return domain.ErrTooFewOutcomes
	}
	if len(d.Outcomes) > domain.MaxOutcomes {
		return domain.ErrTooManyOutcomes
	}
	for i, o := range d.Outcomes {
		if strings.TrimSpace(o) == "" {
			return domain.ErrEmptyOutcome.Withf("outcome %d", i)
		}
	}
	if !d.InvestmentDeadline.Before(d.SettlementDeadline) {
		return domain.ErrInvalidDeadlineOrder
	}
	if !d.InvestmentDeadline.After(now) {
		return domain.ErrDeadlineInPast
	}
	return nil
}

// NewBet builds an unsettled bet from a validated draft. The id is assigned
// by the store.
func NewBet(d domain.BetDraft, creator string, now time.Time) domain.Bet {
	outcomes := make([]string, len(d.Outcomes))
	for i, o := range d.Outcomes {
		outcomes[i] = strings.TrimSpace(o)
	}
	return domain.Bet{
		Creator:            creator,
		Title:              strings.TrimSpace(d.Title),
		Description:        d.Description,
		Outcomes:           outcomes,
		InvestmentDeadline: d.InvestmentDeadline,
		SettlementDeadline: d.SettlementDeadline,
		ExternalRef:        d.ExternalRef,
		PaidOut:            new(big.Int),
		CreatedAt:          now,
	}
}

// Settle records the winning outcome. Phase is checked first, then the
// settler's authority, then the outcome index.
func Settle(s *domain.BetState, settler string, winning int, now time.Time) error {
	switch PhaseOf(s.Bet, now) {
	case domain.PhaseSettled:
		return domain.ErrAlreadySettled
	case domain.PhaseOpen:
		return domain.ErrTooEarly
	}
	if settler != s.Bet.Creator {
		return domain.ErrUnauthorized.Withf("only the creator may settle bet %d", s.Bet.ID)
	}
	if !s.Bet.ValidOutcome(winning) {
		return domain.ErrInvalidOutcome.Withf("bet %d has %d outcomes, got %d", s.Bet.ID, len(s.Bet.Outcomes), winning)
	}
	s.Bet.Settled = true
	s.Bet.WinningOutcome = winning
	settledAt := now
	s.Bet.SettledAt = &settledAt
	return nil
}

// Claim pays out every unclaimed position the investor holds in a settled
// bet. Losing positions are closed with a zero payout. An investor without
// positions, or whose positions are all claimed, receives zero.
func Claim(s *domain.BetState, now time.Time) (*big.Int, error) {
	if !s.Bet.Settled {
		return nil, domain.ErrNotSettled
	}

	outcomes := make([]int, 0, len(s.Positions))
	for o, pos := range s.Positions {
		if pos.Claimed || pos.Amount == nil || pos.Amount.Sign() == 0 {
			continue
		}
		outcomes = append(outcomes, o)
	}
	sort.Ints(outcomes)

	total := new(big.Int)
	for _, o := range outcomes {
		payout := new(big.Int)
		if o == s.Bet.WinningOutcome {
			reward, err := ComputeReward(s, o)
			if err != nil {
				return nil, err
			}
			payout = reward
		}
		if err := MarkClaimed(s, o, payout, now); err != nil {
			return nil, err
		}
		total.Add(total, payout)
	}

	if s.Bet.PaidOut == nil {
		s.Bet.PaidOut = new(big.Int)
	}
	s.Bet.PaidOut = new(big.Int).Add(s.Bet.PaidOut, total)
	return total, nil
}
