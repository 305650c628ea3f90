package domain

import (
	"math/big"
	"time"
)

// Phase is the lifecycle stage of a bet, derived from its deadlines and
// settlement flag at a given instant.
type Phase string

const (
	PhaseOpen               Phase = "open"
	PhaseAwaitingSettlement Phase = "awaiting_settlement"
	PhaseSettled            Phase = "settled"
)

// Outcome count bounds for a bet.
const (
	MinOutcomes = 2
	MaxOutcomes = 10
)

// Bet is a wager definition. Everything except Settled, WinningOutcome,
// SettledAt and PaidOut is fixed at creation.
type Bet struct {
	ID                 uint64
	Creator            string
	Title              string
	Description        string
	Outcomes           []string
	InvestmentDeadline time.Time
	SettlementDeadline time.Time
	ExternalRef        string
	Settled            bool
	WinningOutcome     int // meaningful only when Settled
	PaidOut            *big.Int
	CreatedAt          time.Time
	SettledAt          *time.Time
}

// Clone returns a deep copy of b.
func (b Bet) Clone() Bet {
	out := b
	out.Outcomes = append([]string(nil), b.Outcomes...)
	out.PaidOut = cloneInt(b.PaidOut)
	if b.SettledAt != nil {
		t := *b.SettledAt
		out.SettledAt = &t
	}
	return out
}

// ValidOutcome reports whether idx addresses one of the bet's outcomes.
func (b Bet) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < len(b.Outcomes)
}

// BetDraft is the caller-supplied definition of a bet before an id is
// assigned.
type BetDraft struct {
	Creator            string    `json:"creator"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Outcomes           []string  `json:"outcomes"`
	InvestmentDeadline time.Time `json:"investment_deadline"`
	SettlementDeadline time.Time `json:"settlement_deadline"`
	ExternalRef        string    `json:"external_ref"`
}

// BetMetadata is the document uploaded to the permanent metadata store for a
// bet. Deadlines are unix seconds.
type BetMetadata struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Outcomes           []string `json:"outcomes"`
	InvestmentDeadline int64    `json:"investmentDeadline"`
	SettlementDeadline int64    `json:"settlementDeadline"`
	Creator            string   `json:"creator"`
}

// MetadataFromDraft builds the upload document for d.
func MetadataFromDraft(d BetDraft) BetMetadata {
	return BetMetadata{
		Title:              d.Title,
		Description:        d.Description,
		Outcomes:           append([]string(nil), d.Outcomes...),
		InvestmentDeadline: d.InvestmentDeadline.Unix(),
		SettlementDeadline: d.SettlementDeadline.Unix(),
		Creator:            d.Creator,
	}
}

// SettlementSummary describes how a bet's pool is distributed.
type SettlementSummary struct {
	BetID          uint64
	Phase          Phase
	TotalPool      *big.Int
	WinningPool    *big.Int
	PaidOut        *big.Int
	ProjectedPaid  *big.Int // sum of truncated rewards over all winning positions
	Dust           *big.Int // TotalPool - ProjectedPaid, never distributed
	WinningOutcome int
	Settled        bool
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
