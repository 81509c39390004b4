package settlement

import (
	"context"
	"errors"
	"fmt"

	"offramp/internal/domain"
	"offramp/internal/store"
)

// Query is the read side. It never transitions a transaction, not even one
// whose deposit window has lapsed; that is the expiry sweep's job.
type Query struct {
	repo store.Repository
}

func NewQuery(repo store.Repository) *Query {
	return &Query{repo: repo}
}

func (q *Query) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := q.repo.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, err
}

// ListQuarantined returns every transaction awaiting operator action, oldest first.
func (q *Query) ListQuarantined(ctx context.Context) ([]*domain.Transaction, error) {
	return q.repo.ListByStatus(ctx, domain.StatusDebitFailed, domain.StatusReleaseFailed)
}

func (q *Query) Audit(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	if _, err := q.Get(ctx, id); err != nil {
		return nil, err
	}
	return q.repo.ListAudit(ctx, id)
}
