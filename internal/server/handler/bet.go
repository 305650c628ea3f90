package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/service"
)

// BetService is the read side the bet handlers need.
type BetService interface {
	GetBetDetail(ctx context.Context, id uint64) (service.BetDetail, error)
	ListBets(ctx context.Context, opts domain.ListOpts) ([]domain.Bet, error)
	NextBetID(ctx context.Context) (uint64, error)
	Summary(ctx context.Context, id uint64) (domain.SettlementSummary, error)
	OutcomePool(ctx context.Context, id uint64, outcome int) (*big.Int, error)
	UserInvestment(ctx context.Context, id uint64, outcome int, investor string) (*big.Int, error)
	Positions(ctx context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error)
}

// BetHandler serves read-only bet endpoints.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logger}
}

// ListBets returns a page of bets ordered by id.
// GET /api/bets?limit=&offset=
func (h *BetHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.bets.ListBets(r.Context(), parseListOpts(r))
	if err != nil {
		writeLedgerError(w, r, h.logger, "list bets", err)
		return
	}
	out := make([]betResponse, len(bets))
	for i, b := range bets {
		out[i] = newBetResponse(b)
	}
	writeJSON(w, http.StatusOK, out)
}

// NextBetID returns the id the next created bet will receive.
// GET /api/bets/next-id
func (h *BetHandler) NextBetID(w http.ResponseWriter, r *http.Request) {
	next, err := h.bets.NextBetID(r.Context())
	if err != nil {
		writeLedgerError(w, r, h.logger, "next bet id", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"next_bet_id": next})
}

// GetBet returns a bet with its pools, phase and metadata document.
// GET /api/bets/{id}
func (h *BetHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	detail, err := h.bets.GetBetDetail(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, newBetDetailResponse(detail))
}

// Summary returns the settlement breakdown of a bet.
// GET /api/bets/{id}/summary
func (h *BetHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sum, err := h.bets.Summary(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, h.logger, "bet summary", err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryResponse(sum))
}

// OutcomePool returns the total staked on one outcome.
// GET /api/bets/{id}/pools/{outcome}
func (h *BetHandler) OutcomePool(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	outcome, err := pathOutcome(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pool, err := h.bets.OutcomePool(r.Context(), id, outcome)
	if err != nil {
		writeLedgerError(w, r, h.logger, "outcome pool", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bet_id":  id,
		"outcome": outcome,
		"pool":    newAmount(pool),
	})
}

// Investment returns one investor's stake on one outcome. An investor who
// never staked gets zero.
// GET /api/bets/{id}/investments/{outcome}/{investor}
func (h *BetHandler) Investment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	outcome, err := pathOutcome(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	investor, err := ledger.CanonicalAddress(r.PathValue("investor"))
	if err != nil {
		writeLedgerError(w, r, h.logger, "user investment", err)
		return
	}
	amt, err := h.bets.UserInvestment(r.Context(), id, outcome, investor)
	if err != nil {
		writeLedgerError(w, r, h.logger, "user investment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bet_id":   id,
		"outcome":  outcome,
		"investor": investor,
		"amount":   newAmount(amt),
	})
}

// Positions lists every position held by an investor across bets.
// GET /api/investors/{address}/positions
func (h *BetHandler) Positions(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if err := validate.Var(addr, "required,eth_addr"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "address must be a 0x-prefixed address")
		return
	}
	positions, err := h.bets.Positions(r.Context(), addr, parseListOpts(r))
	if err != nil {
		writeLedgerError(w, r, h.logger, "positions", err)
		return
	}
	out := make([]positionResponse, len(positions))
	for i, p := range positions {
		out[i] = newPositionResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}
