// Package ledger implements the betting ledger: phase evaluation, pool
// accounting, the bet lifecycle and the aggregate that composes them over a
// domain.LedgerStore.
package ledger

import (
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// PhaseOf maps a bet and an instant to its lifecycle phase. It is total and
// has no side effects.
func PhaseOf(bet domain.Bet, now time.Time) domain.Phase {
	switch {
	case bet.Settled:
		return domain.PhaseSettled
	case now.Before(bet.InvestmentDeadline):
		return domain.PhaseOpen
	default:
		return domain.PhaseAwaitingSettlement
	}
}
