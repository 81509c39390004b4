package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"offramp/internal/domain"
)

// Memory keeps immutable snapshots in a sync.Map and swaps them with
// CompareAndSwap, so writers to different transactions never share a lock.
type Memory struct {
	rows  sync.Map // id -> *domain.Transaction
	audit sync.Map // id -> *auditLog
}

type auditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Create(_ context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	snapshot := tx.Clone()
	if _, loaded := m.rows.LoadOrStore(tx.ID, snapshot); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicate, tx.ID)
	}
	m.appendAudit(tx.ID, audit)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Transaction, error) {
	v, ok := m.rows.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*domain.Transaction).Clone(), nil
}

func (m *Memory) Update(_ context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	v, ok := m.rows.Load(tx.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tx.ID)
	}
	current := v.(*domain.Transaction)
	if current.Version != tx.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrVersionConflict, tx.ID, current.Version, tx.Version)
	}

	next := tx.Clone()
	next.Version++
	if !m.rows.CompareAndSwap(tx.ID, current, next) {
		return fmt.Errorf("%w: %s", ErrVersionConflict, tx.ID)
	}
	tx.Version = next.Version
	m.appendAudit(tx.ID, audit)
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.Transaction, error) {
	want := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Transaction
	m.rows.Range(func(_, v any) bool {
		tx := v.(*domain.Transaction)
		if want[tx.Status] {
			out = append(out, tx.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListAudit(_ context.Context, id string) ([]domain.AuditEvent, error) {
	v, ok := m.audit.Load(id)
	if !ok {
		return nil, nil
	}
	log := v.(*auditLog)
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]domain.AuditEvent(nil), log.events...), nil
}

func (m *Memory) appendAudit(id string, events []domain.AuditEvent) {
	if len(events) == 0 {
		return
	}
	v, _ := m.audit.LoadOrStore(id, &auditLog{})
	log := v.(*auditLog)
	log.mu.Lock()
	log.events = append(log.events, events...)
	log.mu.Unlock()
}
