package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// AgentHandler serves the read-only agent listings. Results are always
// scoped to the authenticated principal's own agents.
type AgentHandler struct {
	agents repositories.AgentRepository
	logger *zap.Logger
}

// NewAgentHandler creates the handler.
func NewAgentHandler(agents repositories.AgentRepository, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: logger}
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity == nil {
		ErrUnauthorized(w)
		return
	}

	agents, err := h.agents.ListByOwner(r.Context(), identity.PrincipalID)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, agents)
}

// Get handles GET /api/v1/agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity == nil {
		ErrUnauthorized(w)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "agent id must be a UUID")
		return
	}

	agent, err := h.agents.Get(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to load agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	// Other users' agents are indistinguishable from absent ones.
	if agent.OwnerUserID != identity.PrincipalID {
		ErrNotFound(w)
		return
	}
	Ok(w, agent)
}
