package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createKeysTableSQL = `
CREATE TABLE IF NOT EXISTS settlement_idempotency_keys (
    key                 TEXT PRIMARY KEY,
    request_fingerprint TEXT NOT NULL DEFAULT '',
    status_code         INT NOT NULL,
    response_body       BYTEA NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    expires_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_idempotency_keys_expires_idx
    ON settlement_idempotency_keys (expires_at);
`

// PostgresStore keeps idempotency keys next to the settlement tables. A live
// key is never overwritten; an expired one is replaced by the next Save and
// removed for good by Purge.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
	now   func() time.Time
}

// NewPostgresStore opens its own pool on dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreWithPool shares a pool owned by the caller, typically the
// settlement repository's. Close leaves such a pool open.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createKeysTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.owned {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, response_body, request_fingerprint, created_at, expires_at
FROM settlement_idempotency_keys
WHERE key = $1 AND expires_at > $2`, key, p.now().UTC()).
		Scan(&rec.StatusCode, &rec.Response, &rec.Fingerprint, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save records the first response for key. It returns ErrKeyReused when an
// unexpired record already holds the key.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO settlement_idempotency_keys AS k
    (key, request_fingerprint, status_code, response_body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET request_fingerprint = EXCLUDED.request_fingerprint,
    status_code = EXCLUDED.status_code,
    response_body = EXCLUDED.response_body,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE k.expires_at <= $7`,
		key, record.Fingerprint, record.StatusCode, record.Response,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC(), p.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyReused
	}
	return nil
}

// Purge deletes records that expired before cutoff.
func (p *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM settlement_idempotency_keys WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
