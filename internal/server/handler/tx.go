package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// TxService accepts signed envelopes and reports their receipts.
type TxService interface {
	Submit(ctx context.Context, env domain.Envelope) (domain.Receipt, error)
	Status(ctx context.Context, txID string) (domain.Receipt, error)
	Await(ctx context.Context, txID string, timeout time.Duration) (domain.Receipt, error)
}

// TxHandler serves the transaction submission endpoints.
type TxHandler struct {
	svc         TxService
	maxWait     time.Duration
	defaultWait time.Duration
	logger      *slog.Logger
}

// NewTxHandler creates a TxHandler. maxWait caps the wait endpoint's timeout.
func NewTxHandler(svc TxService, maxWait time.Duration, logger *slog.Logger) *TxHandler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &TxHandler{
		svc:         svc,
		maxWait:     maxWait,
		defaultWait: min(10*time.Second, maxWait),
		logger:      logger,
	}
}

// Submit verifies and queues a signed command. The pending receipt is
// returned with 202; its tx_id is the handle for the status endpoints.
// POST /api/tx
func (h *TxHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req envelopeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := h.svc.Submit(r.Context(), domain.Envelope{
		Command:   req.Command,
		Nonce:     req.Nonce,
		IssuedAt:  req.IssuedAt,
		Signature: req.Signature,
	})
	if err != nil {
		writeLedgerError(w, r, h.logger, "submit tx", err)
		return
	}
	w.Header().Set("Location", "/api/tx/"+rec.TxID)
	writeJSON(w, http.StatusAccepted, newReceiptResponse(rec))
}

// Status returns the current receipt for a transaction.
// GET /api/tx/{id}
func (h *TxHandler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, h.logger, "tx status", err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(rec))
}

// Wait blocks until the transaction resolves or the timeout passes. A
// still-pending receipt is returned with 202.
// GET /api/tx/{id}/wait?timeout=5s
func (h *TxHandler) Wait(w http.ResponseWriter, r *http.Request) {
	timeout := h.defaultWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration such as 5s")
			return
		}
		timeout = min(d, h.maxWait)
	}

	rec, err := h.svc.Await(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeLedgerError(w, r, h.logger, "await tx", err)
		return
	}
	status := http.StatusOK
	if !rec.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newReceiptResponse(rec))
}
