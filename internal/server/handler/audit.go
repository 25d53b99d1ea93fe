package handler

import (
	"log/slog"
	"net/http"

	"github.com/papertrade/leverd/internal/domain"
)

// AuditHandler serves the audit log endpoint.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler backed by the given store.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// listAuditResponse wraps the audit log response.
type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListEntries returns audit log entries, newest first.
// GET /api/audit
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
