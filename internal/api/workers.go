package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/registry"
)

// adminRole sees the whole fleet; regular operators see their own workers.
const adminRole = "admin"

// WorkerHandler serves the read-only worker endpoints.
type WorkerHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewWorkerHandler creates a WorkerHandler.
func NewWorkerHandler(reg *registry.Registry, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{registry: reg, logger: logger}
}

// List returns the workers visible to the caller.
//
// GET /workers
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	if claims.Role == adminRole {
		workers, err := h.registry.List(r.Context())
		if err != nil {
			h.logger.Error("failed to list workers", zap.Error(err))
			ErrInternal(w)
			return
		}
		Ok(w, envelope{"workers": workers})
		return
	}

	operatorID, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	workers, err := h.registry.ListByOperator(r.Context(), operatorID)
	if err != nil {
		h.logger.Error("failed to list workers", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"workers": workers})
}

// GetByID returns a single worker.
//
// GET /workers/{id}
func (h *WorkerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrValidation(w, "invalid worker id")
		return
	}

	operatorID, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	info, err := h.registry.GetVisible(r.Context(), id, operatorID, claims.Role == adminRole)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load worker", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{"worker": info})
}
