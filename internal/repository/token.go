package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductor-sh/conductor/internal/db"
)

// gormTokenRepository is the GORM implementation of TokenRepository.
type gormTokenRepository struct {
	db *gorm.DB
}

// NewTokenRepository returns a TokenRepository backed by database.
func NewTokenRepository(database *gorm.DB) TokenRepository {
	return &gormTokenRepository{db: database}
}

func (r *gormTokenRepository) GetByOperator(ctx context.Context, operatorID uuid.UUID) (*db.RegistrationToken, error) {
	var token db.RegistrationToken
	err := r.db.WithContext(ctx).First(&token, "operator_id = ?", operatorID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: get by operator: %w", err)
	}
	return &token, nil
}

// GetByValue scans the token table and compares decrypted values in memory.
// The value column is AES-GCM encrypted with a random nonce, so an equality
// predicate in SQL cannot match it. The table holds one row per operator;
// a full scan is a handful of rows at most.
func (r *gormTokenRepository) GetByValue(ctx context.Context, value string) (*db.RegistrationToken, error) {
	var tokens []db.RegistrationToken
	if err := r.db.WithContext(ctx).Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("tokens: get by value: %w", err)
	}
	for i := range tokens {
		if string(tokens[i].Value) == value {
			return &tokens[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *gormTokenRepository) Create(ctx context.Context, token *db.RegistrationToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("tokens: create: %w", err)
	}
	return nil
}

// Replace swaps the operator's token value inside a transaction so the old
// value is invalid the moment Replace returns. Returns ErrNotFound if the
// operator has no token row yet.
func (r *gormTokenRepository) Replace(ctx context.Context, operatorID uuid.UUID, newValue string) (*db.RegistrationToken, error) {
	var token db.RegistrationToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&token, "operator_id = ?", operatorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		token.Value = db.EncryptedString(newValue)
		return tx.Save(&token).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: replace: %w", err)
	}
	return &token, nil
}
