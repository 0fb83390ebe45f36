// Package admin serves the worker's local HTTP surface: health, connection
// status, and the managed service list. It binds to localhost by default
// and carries no authentication; exposure policy belongs to the operator.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/runtime"
	"github.com/conductor-sh/conductor/internal/agent/supervisor"
)

// ConnectionInfo is what the admin API can ask the conductor client for.
type ConnectionInfo interface {
	// WorkerID returns the conductor-issued id, or "" before registration.
	WorkerID() string
}

// Server is the worker admin HTTP server.
type Server struct {
	client     ConnectionInfo
	supervisor *supervisor.Supervisor
	runtime    runtime.Runtime
	startedAt  time.Time
	logger     *zap.Logger
}

// NewServer creates an admin Server.
func NewServer(client ConnectionInfo, sup *supervisor.Supervisor, rt runtime.Runtime, logger *zap.Logger) *Server {
	return &Server{
		client:     client,
		supervisor: sup,
		runtime:    rt,
		startedAt:  time.Now().UTC(),
		logger:     logger.Named("admin"),
	}
}

// Router builds the admin route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/services", s.listServices)
	r.Get("/services/{name}", s.getService)
	r.Post("/services/{name}/restart", s.restartService)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	runtimeStatus := "ok"
	if s.runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.runtime.Ping(ctx); err != nil {
			runtimeStatus = "unavailable"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"runtime": runtimeStatus,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	workerID := s.client.WorkerID()
	state := "active"
	if workerID == "" {
		state = "connecting"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id": workerID,
		"state":     state,
		"services":  len(s.supervisor.Records()),
	})
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"services": s.supervisor.Records(),
	})
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	record, ok := s.supervisor.Record(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "unknown service " + name,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": record})
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.logger.Info("local restart requested", zap.String("service", name))

	if !s.supervisor.Restart(r.Context(), name) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "service " + name + " has never been deployed",
		})
		return
	}

	record, _ := s.supervisor.Record(name)
	writeJSON(w, http.StatusOK, map[string]any{"service": record})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
