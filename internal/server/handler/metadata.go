package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// MetadataService uploads and fetches bet metadata documents.
type MetadataService interface {
	UploadMetadata(ctx context.Context, meta domain.BetMetadata) (string, error)
	FetchMetadata(ctx context.Context, ref string) (domain.BetMetadata, error)
}

// MetadataHandler serves the metadata document endpoints.
type MetadataHandler struct {
	svc    MetadataService
	logger *slog.Logger
}

// NewMetadataHandler creates a MetadataHandler.
func NewMetadataHandler(svc MetadataService, logger *slog.Logger) *MetadataHandler {
	return &MetadataHandler{svc: svc, logger: logger}
}

// Upload stores a metadata document and returns its content reference,
// which a create_bet command then carries as external_ref.
// POST /api/metadata
func (h *MetadataHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ref, err := h.svc.UploadMetadata(r.Context(), req.toDomain())
	if err != nil {
		writeLedgerError(w, r, h.logger, "upload metadata", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"external_ref": ref})
}

// Get returns a previously uploaded document.
// GET /api/metadata/{ref}
func (h *MetadataHandler) Get(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.PathValue("ref"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ref is required")
		return
	}
	meta, err := h.svc.FetchMetadata(r.Context(), ref)
	if err != nil {
		writeLedgerError(w, r, h.logger, "fetch metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
