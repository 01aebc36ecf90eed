package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// CommandHandler serves the read-only command history: listings, single
// commands, and the persisted terminal output of a command. Everything is
// scoped to the authenticated issuer.
type CommandHandler struct {
	commands repositories.CommandRepository
	logger   *zap.Logger
}

// NewCommandHandler creates the handler.
func NewCommandHandler(commands repositories.CommandRepository, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{commands: commands, logger: logger}
}

// List handles GET /api/v1/commands?limit=&offset=.
func (h *CommandHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity == nil {
		ErrUnauthorized(w)
		return
	}

	opts := pageOptions(r)
	cmds, total, err := h.commands.ListByIssuer(r.Context(), identity.PrincipalID, opts)
	if err != nil {
		h.logger.Error("failed to list commands", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"commands": cmds, "total": total})
}

// Get handles GET /api/v1/commands/{id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.ownedCommand(w, r)
	if !ok {
		return
	}
	Ok(w, cmd)
}

// Outputs handles GET /api/v1/commands/{id}/outputs, returning the
// persisted terminal chunks in sequence order — including anything elided
// from the live stream under backpressure.
func (h *CommandHandler) Outputs(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.ownedCommand(w, r)
	if !ok {
		return
	}

	outs, err := h.commands.ListOutputs(r.Context(), cmd.ID)
	if err != nil {
		h.logger.Error("failed to list command outputs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, outs)
}

// ownedCommand loads the command from the URL and enforces issuer
// ownership. On failure the response has already been written.
func (h *CommandHandler) ownedCommand(w http.ResponseWriter, r *http.Request) (cmd *db.Command, ok bool) {
	identity := identityFromCtx(r.Context())
	if identity == nil {
		ErrUnauthorized(w)
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "command id must be a UUID")
		return nil, false
	}

	record, err := h.commands.GetByID(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load command", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if record.IssuerUserID != identity.PrincipalID {
		ErrNotFound(w)
		return nil, false
	}
	return record, true
}

// pageOptions parses limit/offset query parameters with sane bounds.
func pageOptions(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = min(n, maxPageSize)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}
