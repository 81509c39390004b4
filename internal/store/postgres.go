package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"offramp/internal/domain"
)

// PostgresRepository persists transactions in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

const createSettlementTablesSQL = `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    version BIGINT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    document JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements (status);
CREATE TABLE IF NOT EXISTS settlement_audit (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT UNIQUE NOT NULL,
    transaction_id TEXT NOT NULL REFERENCES settlements (id),
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    reason TEXT NOT NULL,
    at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_audit_tx ON settlement_audit (transaction_id);
`

const uniqueViolation = "23505"

// NewPostgresRepository connects using dsn and ensures the schema exists.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createSettlementTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (p *PostgresRepository) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the connection pool so other Postgres-backed stores can share it.
func (p *PostgresRepository) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresRepository) Create(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		_, err := dbtx.Exec(ctx, `
INSERT INTO settlements (id, status, version, expires_at, created_at, updated_at, document)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, tx.ID, string(tx.Status), tx.Version, tx.ExpiresAt, tx.CreatedAt, tx.UpdatedAt, doc)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicate, tx.ID)
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		return insertAuditPostgres(ctx, dbtx, audit)
	})
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	var doc []byte
	var version int64
	err := p.pool.QueryRow(ctx, `SELECT document, version FROM settlements WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return decodeDocument(doc, version)
}

func (p *PostgresRepository) Update(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	next := tx.Version + 1
	snapshot := tx.Clone()
	snapshot.Version = next
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	err = pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
UPDATE settlements
SET status = $1, version = $2, expires_at = $3, updated_at = $4, document = $5
WHERE id = $6 AND version = $7
`, string(tx.Status), next, tx.ExpiresAt, tx.UpdatedAt, doc, tx.ID, tx.Version)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := dbtx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check transaction: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrNotFound, tx.ID)
			}
			return fmt.Errorf("%w: %s", ErrVersionConflict, tx.ID)
		}
		return insertAuditPostgres(ctx, dbtx, audit)
	})
	if err != nil {
		return err
	}
	tx.Version = next
	return nil
}

func (p *PostgresRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `
SELECT document, version FROM settlements WHERE status = ANY($1) ORDER BY created_at
`, names)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx, err := decodeDocument(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) ListAudit(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, transaction_id, from_status, to_status, actor, reason, at
FROM settlement_audit WHERE transaction_id = $1 ORDER BY seq
`, id)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &from, &to, &ev.Actor, &ev.Reason, &ev.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.From, ev.To = domain.Status(from), domain.Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertAuditPostgres(ctx context.Context, dbtx pgx.Tx, events []domain.AuditEvent) error {
	for _, ev := range events {
		_, err := dbtx.Exec(ctx, `
INSERT INTO settlement_audit (id, transaction_id, from_status, to_status, actor, reason, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, ev.ID, ev.TransactionID, string(ev.From), string(ev.To), ev.Actor, ev.Reason, ev.At)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
	}
	return nil
}
