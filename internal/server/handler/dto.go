package handler

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/service"
	"github.com/alanyoungcy/betledger/internal/units"
)

// amount carries a value in wei together with its ether rendering.
type amount struct {
	Wei   string          `json:"wei"`
	Ether decimal.Decimal `json:"ether"`
}

func newAmount(v *big.Int) amount {
	if v == nil {
		v = new(big.Int)
	}
	return amount{Wei: v.String(), Ether: units.ToEther(v)}
}

func amountFromString(wei string) amount {
	v, err := units.ParseWei(wei)
	if err != nil {
		return amount{Wei: wei}
	}
	return newAmount(v)
}

type betResponse struct {
	ID                 uint64              `json:"id"`
	Creator            string              `json:"creator"`
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	Outcomes           []string            `json:"outcomes"`
	InvestmentDeadline time.Time           `json:"investment_deadline"`
	SettlementDeadline time.Time           `json:"settlement_deadline"`
	ExternalRef        string              `json:"external_ref"`
	Settled            bool                `json:"settled"`
	WinningOutcome     *int                `json:"winning_outcome,omitempty"`
	PaidOut            amount              `json:"paid_out"`
	CreatedAt          time.Time           `json:"created_at"`
	SettledAt          *time.Time          `json:"settled_at,omitempty"`
	Phase              domain.Phase        `json:"phase,omitempty"`
	Pools              []amount            `json:"pools,omitempty"`
	TotalPool          *amount             `json:"total_pool,omitempty"`
	Metadata           *domain.BetMetadata `json:"metadata,omitempty"`
	MetadataError      string              `json:"metadata_error,omitempty"`
}

func newBetResponse(b domain.Bet) betResponse {
	resp := betResponse{
		ID:                 b.ID,
		Creator:            b.Creator,
		Title:              b.Title,
		Description:        b.Description,
		Outcomes:           b.Outcomes,
		InvestmentDeadline: b.InvestmentDeadline,
		SettlementDeadline: b.SettlementDeadline,
		ExternalRef:        b.ExternalRef,
		Settled:            b.Settled,
		PaidOut:            newAmount(b.PaidOut),
		CreatedAt:          b.CreatedAt,
		SettledAt:          b.SettledAt,
	}
	if b.Settled {
		w := b.WinningOutcome
		resp.WinningOutcome = &w
	}
	return resp
}

func newBetDetailResponse(d service.BetDetail) betResponse {
	resp := newBetResponse(d.Bet)
	resp.Phase = d.Phase
	resp.Metadata = d.Metadata
	resp.MetadataError = d.MetadataError
	total := new(big.Int)
	resp.Pools = make([]amount, len(d.Pools))
	for i, p := range d.Pools {
		resp.Pools[i] = amountFromString(p)
		if v, err := units.ParseWei(p); err == nil {
			total.Add(total, v)
		}
	}
	t := newAmount(total)
	resp.TotalPool = &t
	return resp
}

type summaryResponse struct {
	BetID          uint64       `json:"bet_id"`
	Phase          domain.Phase `json:"phase"`
	Settled        bool         `json:"settled"`
	WinningOutcome *int         `json:"winning_outcome,omitempty"`
	TotalPool      amount       `json:"total_pool"`
	WinningPool    amount       `json:"winning_pool"`
	PaidOut        amount       `json:"paid_out"`
	ProjectedPaid  amount       `json:"projected_paid"`
	Dust           amount       `json:"dust"`
}

func newSummaryResponse(s domain.SettlementSummary) summaryResponse {
	resp := summaryResponse{
		BetID:         s.BetID,
		Phase:         s.Phase,
		Settled:       s.Settled,
		TotalPool:     newAmount(s.TotalPool),
		WinningPool:   newAmount(s.WinningPool),
		PaidOut:       newAmount(s.PaidOut),
		ProjectedPaid: newAmount(s.ProjectedPaid),
		Dust:          newAmount(s.Dust),
	}
	if s.Settled {
		w := s.WinningOutcome
		resp.WinningOutcome = &w
	}
	return resp
}

type positionResponse struct {
	BetID     uint64    `json:"bet_id"`
	Outcome   int       `json:"outcome"`
	Investor  string    `json:"investor"`
	Amount    amount    `json:"amount"`
	Claimed   bool      `json:"claimed"`
	Payout    *amount   `json:"payout,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newPositionResponse(p domain.Position) positionResponse {
	resp := positionResponse{
		BetID:     p.BetID,
		Outcome:   p.Outcome,
		Investor:  p.Investor,
		Amount:    newAmount(p.Amount),
		Claimed:   p.Claimed,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Payout != nil {
		a := newAmount(p.Payout)
		resp.Payout = &a
	}
	return resp
}

type receiptResponse struct {
	TxID        string          `json:"tx_id"`
	Type        string          `json:"type"`
	Caller      string          `json:"caller"`
	Status      domain.TxStatus `json:"status"`
	BetID       uint64          `json:"bet_id"`
	Payout      *amount         `json:"payout,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

func newReceiptResponse(r domain.Receipt) receiptResponse {
	resp := receiptResponse{
		TxID:        r.TxID,
		Type:        string(r.Type),
		Caller:      r.Caller,
		Status:      r.Status,
		BetID:       r.BetID,
		ErrorKind:   string(r.ErrorKind),
		ErrorCode:   r.ErrorCode,
		Error:       r.Error,
		SubmittedAt: r.SubmittedAt,
		ResolvedAt:  r.ResolvedAt,
	}
	if r.Payout != nil {
		a := newAmount(r.Payout)
		resp.Payout = &a
	}
	return resp
}

// envelopeRequest mirrors domain.Envelope. The command is decoded as-is
// because the signature covers its exact JSON encoding.
type envelopeRequest struct {
	Command   domain.Command `json:"command"`
	Nonce     string         `json:"nonce" validate:"required,max=128"`
	IssuedAt  int64          `json:"issued_at" validate:"required,gt=0"`
	Signature string         `json:"signature" validate:"required,startswith=0x,len=132"`
}

// metadataRequest is the document a client uploads before creating a bet.
type metadataRequest struct {
	Title              string   `json:"title" validate:"required,max=200"`
	Description        string   `json:"description" validate:"max=5000"`
	Outcomes           []string `json:"outcomes" validate:"min=2,max=10,dive,required,max=100"`
	InvestmentDeadline int64    `json:"investmentDeadline" validate:"required,gt=0"`
	SettlementDeadline int64    `json:"settlementDeadline" validate:"required,gtfield=InvestmentDeadline"`
	Creator            string   `json:"creator" validate:"required,eth_addr"`
}

func (m metadataRequest) toDomain() domain.BetMetadata {
	return domain.BetMetadata{
		Title:              m.Title,
		Description:        m.Description,
		Outcomes:           m.Outcomes,
		InvestmentDeadline: m.InvestmentDeadline,
		SettlementDeadline: m.SettlementDeadline,
		Creator:            m.Creator,
	}
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}
