package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/tokens"
)

// TokenHandler serves the registration token endpoints.
type TokenHandler struct {
	store  *tokens.Store
	logger *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(store *tokens.Store, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{store: store, logger: logger}
}

// tokenResponse exposes the plaintext value to its owning operator only; the
// route is behind Authenticate and scoped to the caller's own token.
type tokenResponse struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Get returns the caller's active registration token, creating one on first
// access.
//
// GET /token
func (h *TokenHandler) Get(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	token, err := h.store.Active(r.Context(), operatorID)
	if err != nil {
		h.logger.Error("failed to load registration token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tokenResponse{
		Token:     string(token.Value),
		CreatedAt: token.CreatedAt,
		UpdatedAt: token.UpdatedAt,
	})
}

// Regenerate rotates the caller's registration token. The old value stops
// validating immediately; already registered workers are unaffected.
//
// POST /token/regenerate
func (h *TokenHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	token, err := h.store.Rotate(r.Context(), operatorID)
	if err != nil {
		h.logger.Error("failed to rotate registration token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tokenResponse{
		Token:     string(token.Value),
		CreatedAt: token.CreatedAt,
		UpdatedAt: token.UpdatedAt,
	})
}

func (h *TokenHandler) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, false
	}
	return id, true
}
