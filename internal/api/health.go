package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthHandler serves the self-check endpoint.
type HealthHandler struct {
	// pingDB reports whether persistence is reachable. Nil when the
	// in-memory backend is active, which is always healthy.
	pingDB func(ctx context.Context) error

	sessions interface{ Count() int }
	hub      interface{ ConnectedCount() int }
	logger   *zap.Logger
}

// NewHealthHandler creates a HealthHandler. pingDB may be nil.
func NewHealthHandler(pingDB func(ctx context.Context) error, sessions interface{ Count() int }, h interface{ ConnectedCount() int }, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{pingDB: pingDB, sessions: sessions, hub: h, logger: logger}
}

// Get reports process health and persistence reachability.
//
// GET /health
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	dbStatus := "ok"
	status := http.StatusOK

	if h.pingDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pingDB(ctx); err != nil {
			h.logger.Error("health check: database unreachable", zap.Error(err))
			overall = "degraded"
			dbStatus = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	JSON(w, status, envelope{
		"status":      overall,
		"database":    dbStatus,
		"sessions":    h.sessions.Count(),
		"subscribers": h.hub.ConnectedCount(),
	})
}
