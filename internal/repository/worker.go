package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/conductor-sh/conductor/internal/db"
)

// gormWorkerRepository is the GORM implementation of WorkerRepository.
type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by database.
func NewWorkerRepository(database *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: database}
}

func (r *gormWorkerRepository) Create(ctx context.Context, w *db.Worker) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("workers: create: %w", err)
	}
	return nil
}

func (r *gormWorkerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error) {
	var w db.Worker
	err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by id: %w", err)
	}
	return &w, nil
}

// GetByHostIP resolves the natural re-identification key. When a network
// rename ever leaves two rows with the same pair, the most recently updated
// row wins, matching the registry's rebind tie-break.
func (r *gormWorkerRepository) GetByHostIP(ctx context.Context, hostname, ip string) (*db.Worker, error) {
	var w db.Worker
	err := r.db.WithContext(ctx).
		Where("hostname = ? AND ip_address = ?", hostname, ip).
		Order("updated_at DESC").
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by host/ip: %w", err)
	}
	return &w, nil
}

func (r *gormWorkerRepository) Update(ctx context.Context, w *db.Worker) error {
	result := r.db.WithContext(ctx).Save(w)
	if result.Error != nil {
		return fmt.Errorf("workers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkerRepository) List(ctx context.Context) ([]db.Worker, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list: %w", err)
	}
	return workers, nil
}

func (r *gormWorkerRepository) ListByOperator(ctx context.Context, operatorID uuid.UUID) ([]db.Worker, error) {
	var workers []db.Worker
	err := r.db.WithContext(ctx).
		Where("operator_id = ?", operatorID).
		Order("created_at ASC").
		Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("workers: list by operator: %w", err)
	}
	return workers, nil
}
