package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

// AuditHandler exposes the audit trail, read-only.
type AuditHandler struct {
	stores *store.Stores
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(stores *store.Stores, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		stores: stores,
		logger: logger.Named("audit_handler"),
	}
}

type auditEntryResponse struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	EntityID  string    `json:"entity_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type listAuditResponse struct {
	Items []auditEntryResponse `json:"items"`
	Total int64                `json:"total"`
}

// List handles GET /api/v1/audit, newest first.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.stores.Audit.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list audit", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = auditEntryResponse{
			Actor:     e.Actor,
			Action:    e.Action,
			EntityID:  e.EntityID,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC(),
		}
	}
	Ok(w, listAuditResponse{Items: items, Total: total})
}
