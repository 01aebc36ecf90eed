package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/presence"
)

// HealthHandler serves the liveness and component health probes.
type HealthHandler struct {
	db        *gorm.DB
	presence  *presence.Publisher
	hub       *hub.Hub
	version   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewHealthHandler creates the handler. presencePub may be nil when the
// Redis integration is disabled.
func NewHealthHandler(database *gorm.DB, presencePub *presence.Publisher, h *hub.Hub, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        database,
		presence:  presencePub,
		hub:       h,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// Live handles GET /health: a cheap liveness probe with the database state.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	database := envelope{"connected": true, "type": h.db.Dialector.Name()}
	if err := db.Ping(r.Context(), h.db); err != nil {
		status = http.StatusServiceUnavailable
		database["connected"] = false
		database["message"] = "database unreachable"
	}
	JSON(w, status, envelope{
		"status":    statusWord(status),
		"timestamp": time.Now().UnixMilli(),
		"database":  database,
	})
}

// System handles GET /api/system/health: per-component detail plus uptime
// and live connection counts. Overall status is healthy only when every
// component is.
func (h *HealthHandler) System(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK

	database := "up"
	if err := db.Ping(r.Context(), h.db); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		database = "down"
		status = http.StatusServiceUnavailable
	}

	redisState := "disabled"
	if h.presence.Enabled() {
		redisState = "up"
		if err := h.presence.Ping(r.Context()); err != nil {
			h.logger.Warn("redis health check failed", zap.Error(err))
			redisState = "down"
			status = http.StatusServiceUnavailable
		}
	}

	agents, dashboards := h.hub.Registry().Counts()

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}

	JSON(w, status, envelope{
		"status":  overall,
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"components": envelope{
			"database": database,
			"redis":    redisState,
			"websocket": envelope{
				"agents":     agents,
				"dashboards": dashboards,
			},
		},
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "error"
}
