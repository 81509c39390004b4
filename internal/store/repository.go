package store

import (
	"context"
	"errors"

	"offramp/internal/domain"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrDuplicate       = errors.New("transaction already exists")
	ErrVersionConflict = errors.New("transaction was modified concurrently")
)

// Repository persists one row per settlement transaction. Update is a
// compare-and-swap on Version: it succeeds only if the stored version still
// equals tx.Version, then bumps both. Audit events passed to Create/Update
// are written atomically with the row.
type Repository interface {
	Create(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	Update(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Transaction, error)
	ListAudit(ctx context.Context, id string) ([]domain.AuditEvent, error)
}
