package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/repository"
)

// Service implements operator authentication against the operators table.
// Passwords are hashed with Argon2id and stored as EncryptedString
// (AES-256-GCM at rest). Sessions are stateless JWTs: logout is client-side
// token disposal, there is no server-side session store.
type Service struct {
	operators  repository.OperatorRepository
	jwtManager *JWTManager
	logger     *zap.Logger
}

// NewService creates an auth Service with the given dependencies.
func NewService(operators repository.OperatorRepository, jwtManager *JWTManager, logger *zap.Logger) *Service {
	return &Service{
		operators:  operators,
		jwtManager: jwtManager,
		logger:     logger.Named("auth"),
	}
}

// Session is the result of a successful login.
type Session struct {
	Token    string
	Operator *db.Operator
}

// Login validates username/password and returns a session token on success.
// The password is verified against the Argon2id hash stored in the database.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	op, err := s.operators.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Return ErrInvalidCredentials instead of a not-found error to
			// avoid leaking whether the username exists.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching operator by username: %w", err)
	}

	if !VerifyPassword(password, string(op.SecretHash)) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwtManager.GenerateSessionToken(op.ID.String(), op.Username, op.Role)
	if err != nil {
		return nil, err
	}

	s.logger.Info("operator logged in", zap.String("operator_id", op.ID.String()))

	return &Session{Token: token, Operator: op}, nil
}

// Validate verifies a session token and loads the operator it names.
// The database lookup catches operators deleted after token issuance.
func (s *Service) Validate(ctx context.Context, token string) (*db.Operator, *Claims, error) {
	claims, err := s.jwtManager.ValidateSessionToken(token)
	if err != nil {
		return nil, nil, err
	}

	id, err := uuid.Parse(claims.OperatorID)
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}

	op, err := s.operators.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrOperatorNotFound
		}
		return nil, nil, fmt.Errorf("auth: fetching operator for token: %w", err)
	}

	return op, claims, nil
}

// ResetPassword verifies the current password and replaces it with a new
// Argon2id hash. The current-password check keeps a stolen session token
// from locking the operator out of their own account.
func (s *Service) ResetPassword(ctx context.Context, operatorID uuid.UUID, current, next string) error {
	op, err := s.operators.GetByID(ctx, operatorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrOperatorNotFound
		}
		return fmt.Errorf("auth: fetching operator for password reset: %w", err)
	}

	if !VerifyPassword(current, string(op.SecretHash)) {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}

	op.SecretHash = db.EncryptedString(hash)
	if err := s.operators.Update(ctx, op); err != nil {
		return fmt.Errorf("auth: persisting new password hash: %w", err)
	}

	s.logger.Info("operator password reset", zap.String("operator_id", operatorID.String()))
	return nil
}

// UpdateProfile changes the operator's username and email. Returns
// repository.ErrConflict unchanged when the new username is already taken so
// the caller can map it to a conflict response.
func (s *Service) UpdateProfile(ctx context.Context, operatorID uuid.UUID, username, email string) (*db.Operator, error) {
	op, err := s.operators.GetByID(ctx, operatorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("auth: fetching operator for profile update: %w", err)
	}

	if username != "" {
		op.Username = username
	}
	if email != "" {
		op.Email = email
	}

	if err := s.operators.Update(ctx, op); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, repository.ErrConflict
		}
		return nil, fmt.Errorf("auth: persisting profile update: %w", err)
	}

	return op, nil
}
