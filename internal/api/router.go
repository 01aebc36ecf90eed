package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/presence"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
	"github.com/agentdeck-io/agentdeck/internal/ws"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger   *zap.Logger
	Verifier auth.TokenVerifier
	Hub      *hub.Hub
	WS       *ws.Handler
	DB       *gorm.DB
	Presence *presence.Publisher
	Registry *prometheus.Registry
	Version  string

	Agents   repositories.AgentRepository
	Commands repositories.CommandRepository
	Audit    repositories.AuditRepository
}

// NewRouter builds and returns the fully configured Chi router: WebSocket
// endpoints at /ws, read-only REST under /api/v1, health probes, and
// Prometheus metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Commands, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Audit, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB, cfg.Presence, cfg.Hub, cfg.Version, cfg.Logger)

	// --- Unauthenticated surface ---
	r.Get("/health", healthHandler.Live)
	r.Get("/api/system/health", healthHandler.System)
	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// WebSocket endpoints authenticate inside the protocol handshake, not
	// via middleware: browser dashboards cannot set headers on dials.
	r.Get("/ws/agent", cfg.WS.ServeAgent)
	r.Get("/ws/dashboard", cfg.WS.ServeDashboard)

	// --- Authenticated REST surface ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.Get)

		r.Get("/commands", commandHandler.List)
		r.Get("/commands/{id}", commandHandler.Get)
		r.Get("/commands/{id}/outputs", commandHandler.Outputs)

		r.Get("/audit", auditHandler.Recent)
	})

	return r
}
