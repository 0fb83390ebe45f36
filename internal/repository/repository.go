// Package repository defines the persistence capability set the control plane
// relies on, and ships two implementations: GORM-backed (sqlite/postgres) and
// an in-memory reference backend used by tests and the "memory" driver.
// Adapters are selected at startup only.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/internal/db"
)

// OperatorRepository persists operator accounts. Operators are seeded
// out-of-band and never auto-created by the control plane.
type OperatorRepository interface {
	Create(ctx context.Context, op *db.Operator) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Operator, error)
	// GetByUsername matches case-insensitively; usernames are stored lowercase.
	GetByUsername(ctx context.Context, username string) (*db.Operator, error)
	Update(ctx context.Context, op *db.Operator) error
}

// TokenRepository persists the one-active-registration-token-per-operator
// relation. Replace must swap the stored value atomically so the old value is
// invalid on the very next validation.
type TokenRepository interface {
	GetByOperator(ctx context.Context, operatorID uuid.UUID) (*db.RegistrationToken, error)
	// GetByValue resolves a presented plaintext token to its row.
	GetByValue(ctx context.Context, value string) (*db.RegistrationToken, error)
	Create(ctx context.Context, token *db.RegistrationToken) error
	Replace(ctx context.Context, operatorID uuid.UUID, newValue string) (*db.RegistrationToken, error)
}

// WorkerRepository persists worker records. Workers are never destroyed by
// the core; pruning is an admin concern outside this interface.
type WorkerRepository interface {
	Create(ctx context.Context, w *db.Worker) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error)
	// GetByHostIP looks up the natural re-identification key (hostname, ip).
	GetByHostIP(ctx context.Context, hostname, ip string) (*db.Worker, error)
	Update(ctx context.Context, w *db.Worker) error
	List(ctx context.Context) ([]db.Worker, error)
	ListByOperator(ctx context.Context, operatorID uuid.UUID) ([]db.Worker, error)
}

// Store bundles the three repositories so constructors take one dependency.
type Store struct {
	Operators OperatorRepository
	Tokens    TokenRepository
	Workers   WorkerRepository
}
