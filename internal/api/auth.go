package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/repository"
)

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// operatorProfile is the wire shape of an operator, with the secret hash
// stripped.
type operatorProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func profileOf(op *db.Operator) operatorProfile {
	return operatorProfile{
		ID:        op.ID.String(),
		Username:  op.Username,
		Email:     op.Email,
		Role:      op.Role,
		CreatedAt: op.CreatedAt,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Login verifies credentials and mints a bearer token.
//
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Secret == "" {
		ErrValidation(w, "username and secret are required")
		return
	}

	session, err := h.svc.Login(r.Context(), req.Username, req.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			errJSON(w, http.StatusUnauthorized, "invalid credentials", "Unauthorized")
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{
		"token":    session.Token,
		"operator": profileOf(session.Operator),
	})
}

// Me returns the current operator's profile.
//
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	op, ok := h.currentOperator(w, r)
	if !ok {
		return
	}
	Ok(w, envelope{"operator": profileOf(op)})
}

// Logout acknowledges a logout. Sessions are stateless JWTs; the client
// drops the token and the server has nothing to revoke.
//
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	NoContent(w)
}

type resetPasswordRequest struct {
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
}

// ResetPassword verifies the current password and installs a new one.
//
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CurrentSecret == "" || req.NewSecret == "" {
		ErrValidation(w, "current_secret and new_secret are required")
		return
	}
	if len(req.NewSecret) < 8 {
		ErrValidation(w, "new secret must be at least 8 characters")
		return
	}

	operatorID, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	if err := h.svc.ResetPassword(r.Context(), operatorID, req.CurrentSecret, req.NewSecret); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			errJSON(w, http.StatusUnauthorized, "current secret does not match", "Unauthorized")
		case errors.Is(err, auth.ErrOperatorNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("password reset failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	op, ok := h.currentOperator(w, r)
	if !ok {
		return
	}
	Ok(w, envelope{"operator": profileOf(op)})
}

type updateProfileRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
}

// UpdateProfile applies a partial profile update.
//
// PUT /auth/profile
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == nil && req.Email == nil {
		ErrValidation(w, "nothing to update")
		return
	}

	operatorID, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var username, email string
	if req.Username != nil {
		username = *req.Username
	}
	if req.Email != nil {
		email = *req.Email
	}

	op, err := h.svc.UpdateProfile(r.Context(), operatorID, username, email)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			ErrConflict(w, "username is already taken")
		case errors.Is(err, auth.ErrOperatorNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("profile update failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, envelope{"operator": profileOf(op)})
}

// currentOperator loads the operator named by the request's claims, writing
// the error response itself on failure.
func (h *AuthHandler) currentOperator(w http.ResponseWriter, r *http.Request) (*db.Operator, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return nil, false
	}

	op, _, err := h.svc.Validate(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			ErrUnauthorized(w)
			return nil, false
		}
		h.logger.Error("failed to load current operator", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return op, true
}
