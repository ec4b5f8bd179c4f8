// Package api provides the HTTP API and middleware for the dashboard server.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/openbrain/openbrain/internal/auth"
	"github.com/openbrain/openbrain/internal/config"
	"github.com/openbrain/openbrain/internal/gateway"
	"github.com/openbrain/openbrain/internal/reconcile"
	"github.com/openbrain/openbrain/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	reconciler   *reconcile.Reconciler
	pool         *gateway.Pool
	gatewayCfg   config.GatewayConfig
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer creates a new API server.
func NewServer(st store.Store, ap auth.Provider, rec *reconcile.Reconciler, pool *gateway.Pool, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        st,
		authProvider: ap,
		reconciler:   rec,
		pool:         pool,
		gatewayCfg:   cfg.Gateway,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Agent push endpoint, authenticated by the per-workspace sync secret.
	mux.Post("/sync", srv.handleSync)

	// Authenticated operator API
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/workspaces", srv.handleListWorkspaces)
		r.Post("/api/workspaces", srv.handleCreateWorkspace)
		r.Delete("/api/workspaces/{workspaceID}", srv.handleDeleteWorkspace)

		r.Get("/api/workspaces/{workspaceID}/records/{dataType}", srv.handleGetRecords)
		r.Patch("/api/workspaces/{workspaceID}/records/{dataType}/{recordID}", srv.handleUpdateRecord)
		r.Delete("/api/workspaces/{workspaceID}/records/{dataType}/{recordID}", srv.handleDeleteRecord)
		r.Post("/api/workspaces/{workspaceID}/records/{dataType}/reorder", srv.handleReorderRecords)

		r.Get("/api/workspaces/{workspaceID}/gateway/connection", srv.handleGatewayConnection)
		r.Post("/api/workspaces/{workspaceID}/gateway/disconnect", srv.handleGatewayDisconnect)
		r.Get("/api/workspaces/{workspaceID}/gateway/health", srv.gatewayProxy((*gateway.Client).Health))
		r.Get("/api/workspaces/{workspaceID}/gateway/status", srv.gatewayProxy((*gateway.Client).Status))
		r.Get("/api/workspaces/{workspaceID}/gateway/cron", srv.gatewayProxy((*gateway.Client).CronList))
		r.Get("/api/workspaces/{workspaceID}/gateway/sessions", srv.gatewayProxy((*gateway.Client).SessionsList))
		r.Get("/api/workspaces/{workspaceID}/gateway/agents", srv.gatewayProxy((*gateway.Client).AgentsList))
		r.Get("/api/workspaces/{workspaceID}/gateway/skills", srv.gatewayProxy((*gateway.Client).SkillsStatus))
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).Truncate(time.Second).String(),
		"gateways": s.pool.Size(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}
