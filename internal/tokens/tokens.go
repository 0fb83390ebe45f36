// Package tokens manages per-operator worker registration tokens.
//
// Each operator owns exactly one opaque token at a time. Workers present it
// during registration; rotating it invalidates the old value immediately
// without touching workers that are already registered.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/repository"
)

// tokenBytes is the length of the random token before hex encoding.
const tokenBytes = 32

// ErrTokenUnknown is returned by Validate when no operator owns the
// presented value.
var ErrTokenUnknown = errors.New("tokens: unknown registration token")

// Store issues, rotates, and validates registration tokens.
type Store struct {
	repo   repository.TokenRepository
	logger *zap.Logger
}

// NewStore creates a token Store backed by repo.
func NewStore(repo repository.TokenRepository, logger *zap.Logger) *Store {
	return &Store{repo: repo, logger: logger.Named("tokens")}
}

// Active returns the operator's current token, creating one on first access.
// Two concurrent first reads can race to insert; the loser re-reads the row
// the winner created.
func (s *Store) Active(ctx context.Context, operatorID uuid.UUID) (*db.RegistrationToken, error) {
	token, err := s.repo.GetByOperator(ctx, operatorID)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("tokens: loading active token: %w", err)
	}

	value, err := generate()
	if err != nil {
		return nil, err
	}

	token = &db.RegistrationToken{
		OperatorID: operatorID,
		Value:      db.EncryptedString(value),
	}
	if err := s.repo.Create(ctx, token); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.repo.GetByOperator(ctx, operatorID)
		}
		return nil, fmt.Errorf("tokens: creating first token: %w", err)
	}

	s.logger.Info("registration token issued", zap.String("operator_id", operatorID.String()))
	return token, nil
}

// Rotate replaces the operator's token with a fresh value. The old value
// stops validating the moment Rotate returns. Workers registered with the
// old value keep their identity; rotation only gates future registrations.
func (s *Store) Rotate(ctx context.Context, operatorID uuid.UUID) (*db.RegistrationToken, error) {
	// First access via rotate still needs a row to replace.
	if _, err := s.Active(ctx, operatorID); err != nil {
		return nil, err
	}

	value, err := generate()
	if err != nil {
		return nil, err
	}

	token, err := s.repo.Replace(ctx, operatorID, value)
	if err != nil {
		return nil, fmt.Errorf("tokens: rotating token: %w", err)
	}

	s.logger.Info("registration token rotated", zap.String("operator_id", operatorID.String()))
	return token, nil
}

// Validate resolves a presented token value to the operator that owns it.
// Returns ErrTokenUnknown for values that match no current token, including
// values rotated out.
func (s *Store) Validate(ctx context.Context, value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.UUID{}, ErrTokenUnknown
	}

	token, err := s.repo.GetByValue(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return uuid.UUID{}, ErrTokenUnknown
		}
		return uuid.UUID{}, fmt.Errorf("tokens: validating token: %w", err)
	}

	return token.OperatorID, nil
}

// generate returns a cryptographically random hex-encoded token value.
func generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("tokens: generating token value: %w", err)
	}
	return hex.EncodeToString(b), nil
}
