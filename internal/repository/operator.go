package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductor-sh/conductor/internal/db"
)

// gormOperatorRepository is the GORM implementation of OperatorRepository.
type gormOperatorRepository struct {
	db *gorm.DB
}

// NewOperatorRepository returns an OperatorRepository backed by database.
func NewOperatorRepository(database *gorm.DB) OperatorRepository {
	return &gormOperatorRepository{db: database}
}

func (r *gormOperatorRepository) Create(ctx context.Context, op *db.Operator) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("operators: create: %w", err)
	}
	return nil
}

func (r *gormOperatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Operator, error) {
	var op db.Operator
	err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operators: get by id: %w", err)
	}
	return &op, nil
}

func (r *gormOperatorRepository) GetByUsername(ctx context.Context, username string) (*db.Operator, error) {
	var op db.Operator
	err := r.db.WithContext(ctx).First(&op, "username = ?", strings.ToLower(username)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operators: get by username: %w", err)
	}
	return &op, nil
}

func (r *gormOperatorRepository) Update(ctx context.Context, op *db.Operator) error {
	result := r.db.WithContext(ctx).Save(op)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("operators: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation detects unique-constraint failures across both drivers.
// GORM exposes ErrDuplicatedKey for dialects that translate errors; the
// sqlite message match covers the modernc driver, which does not.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
