package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering. CreatedAt and UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Operators
// -----------------------------------------------------------------------------

// Operator is a human account allowed to administer the fleet. Accounts are
// seeded out-of-band (cmd/seed) and never auto-created. The secret is stored
// only as an Argon2id hash, wrapped in EncryptedString so even the hash is
// unreadable in a raw database dump.
type Operator struct {
	base
	Username   string          `gorm:"uniqueIndex;not null"` // stored lowercase
	Email      string          `gorm:"not null;default:''"`
	SecretHash EncryptedString `gorm:"type:text;not null"`
	Role       string          `gorm:"not null;default:'operator'"` // "admin" or "operator"
}

// BeforeSave folds the username to lowercase so the unique index enforces
// case-insensitive uniqueness.
func (o *Operator) BeforeSave(tx *gorm.DB) error {
	o.Username = strings.ToLower(o.Username)
	return nil
}

// -----------------------------------------------------------------------------
// Registration tokens
// -----------------------------------------------------------------------------

// RegistrationToken is the bearer credential a worker presents to self-enroll.
// Exactly one active token exists per operator: the unique index on
// OperatorID enforces it and Rotate replaces the row's value in place. The
// plaintext value is kept inside an encrypted column: retrievable by the
// owning operator through the API, opaque in a database dump.
type RegistrationToken struct {
	base
	OperatorID uuid.UUID       `gorm:"type:text;not null;uniqueIndex"`
	Value      EncryptedString `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// Worker is the durable record of a registered node. The id is stable across
// reconnects; (hostname, ip_address) is the natural re-identification key
// used when a worker reconnects without its prior id. Live telemetry is not
// persisted; only the declared capacity and the liveness bookkeeping are.
type Worker struct {
	base
	OperatorID uuid.UUID `gorm:"type:text;not null;index"`
	Hostname   string    `gorm:"not null;index:idx_workers_host_ip"`
	IPAddress  string    `gorm:"not null;index:idx_workers_host_ip"`
	Status     string    `gorm:"not null;default:'pending'"` // pending, online, degraded, offline
	CPUCores   int       `gorm:"not null;default:0"`
	RAMGB      float64   `gorm:"not null;default:0"`
	DiskGB     float64   `gorm:"not null;default:0"`
	LastSeenAt *time.Time
}
