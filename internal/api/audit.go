package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// AuditHandler serves the recent audit trail, filtered to events involving
// the authenticated principal.
type AuditHandler struct {
	audit  repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditHandler creates the handler.
func NewAuditHandler(audit repositories.AuditRepository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// Recent handles GET /api/v1/audit.
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity == nil {
		ErrUnauthorized(w)
		return
	}

	events, err := h.audit.ListRecent(r.Context(), 200)
	if err != nil {
		h.logger.Error("failed to list audit events", zap.Error(err))
		ErrInternal(w)
		return
	}

	own := make([]db.AuditEvent, 0, len(events))
	for _, event := range events {
		if event.Principal == identity.PrincipalID {
			own = append(own, event)
		}
	}
	Ok(w, own)
}
