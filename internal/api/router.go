package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/hub"
	"github.com/conductor-sh/conductor/internal/ingress"
	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/session"
	"github.com/conductor-sh/conductor/internal/tokens"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Registry    *registry.Registry
	Tokens      *tokens.Store
	Sessions    *session.Manager
	Hub         *hub.Hub
	Ingress     *ingress.Ingress
	Logger      *zap.Logger

	// PingDB reports persistence reachability for /health. Nil with the
	// in-memory backend.
	PingDB func(ctx context.Context) error
}

// NewRouter builds and returns the fully configured Chi router. REST routes
// live under /api/v1; the two streaming namespaces are mounted at /workers
// and /operators on the same listener.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID echoes a client-provided X-Request-Id or mints a fresh one.
	r.Use(middleware.RequestID)
	r.Use(RequestIDEcho)

	// RealIP extracts the client IP from X-Forwarded-For / X-Real-IP when
	// the conductor runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches handler panics, logs them, and returns a 500
	// instead of crashing the process.
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	tokenHandler := NewTokenHandler(cfg.Tokens, cfg.Logger)
	workerHandler := NewWorkerHandler(cfg.Registry, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.PingDB, cfg.Sessions, cfg.Hub, cfg.Logger)
	operatorWS := NewOperatorWS(cfg.Hub, cfg.JWTManager, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Get("/health", healthHandler.Get)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			r.Get("/auth/me", authHandler.Me)
			r.Post("/auth/logout", authHandler.Logout)
			r.Post("/auth/reset-password", authHandler.ResetPassword)
			r.Put("/auth/profile", authHandler.UpdateProfile)

			r.Get("/token", tokenHandler.Get)
			r.Post("/token/regenerate", tokenHandler.Regenerate)

			r.Get("/workers", workerHandler.List)
			r.Get("/workers/{id}", workerHandler.GetByID)
		})
	})

	// Streaming namespaces. Workers authenticate in-band via
	// worker:register inside the grace window; operators authenticate
	// before the upgrade.
	r.Get("/workers", cfg.Ingress.ServeHTTP)
	r.Get("/operators", operatorWS.ServeHTTP)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	return r
}
