package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"offramp/internal/domain"
)

// SQLiteRepository stores the transaction document as JSON next to the
// columns the coordinator filters on. Timestamps are unix nanoseconds so
// they sort numerically.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and ensures the schema.
func OpenSQLite(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer at a time; the version column does the rest
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			expires_at_ns INTEGER NOT NULL,
			created_at_ns INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status, created_at_ns)`,
		`CREATE TABLE IF NOT EXISTS settlement_audit (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL,
			at_ns INTEGER NOT NULL,
			FOREIGN KEY (transaction_id) REFERENCES settlements(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_audit_tx ON settlement_audit(transaction_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Create(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	_, err = dbtx.ExecContext(ctx,
		`INSERT INTO settlements (id, status, version, expires_at_ns, created_at_ns, updated_at_ns, document)
		VALUES (?,?,?,?,?,?,?)`,
		tx.ID, string(tx.Status), tx.Version, tx.ExpiresAt.UnixNano(),
		tx.CreatedAt.UnixNano(), tx.UpdatedAt.UnixNano(), string(doc),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrDuplicate, tx.ID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	if err := insertAuditSQLite(ctx, dbtx, audit); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	var doc string
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT document, version FROM settlements WHERE id = ?`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return decodeDocument([]byte(doc), version)
}

func (r *SQLiteRepository) Update(ctx context.Context, tx *domain.Transaction, audit ...domain.AuditEvent) error {
	next := tx.Version + 1
	snapshot := tx.Clone()
	snapshot.Version = next
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx,
		`UPDATE settlements SET status = ?, version = ?, expires_at_ns = ?, updated_at_ns = ?, document = ?
		WHERE id = ? AND version = ?`,
		string(tx.Status), next, tx.ExpiresAt.UnixNano(),
		tx.UpdatedAt.UnixNano(), string(doc), tx.ID, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := dbtx.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlements WHERE id = ?`, tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, tx.ID)
		}
		return fmt.Errorf("%w: %s", ErrVersionConflict, tx.ID)
	}
	if err := insertAuditSQLite(ctx, dbtx, audit); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.Version = next
	return nil
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT document, version FROM settlements WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY created_at_ns, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx, err := decodeDocument([]byte(doc), version)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListAudit(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, transaction_id, from_status, to_status, actor, reason, at_ns
		FROM settlement_audit WHERE transaction_id = ? ORDER BY at_ns, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var from, to string
		var at int64
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &from, &to, &ev.Actor, &ev.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.From, ev.To = domain.Status(from), domain.Status(to)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertAuditSQLite(ctx context.Context, dbtx *sql.Tx, events []domain.AuditEvent) error {
	for _, ev := range events {
		_, err := dbtx.ExecContext(ctx,
			`INSERT INTO settlement_audit (id, transaction_id, from_status, to_status, actor, reason, at_ns)
			VALUES (?,?,?,?,?,?,?)`,
			ev.ID, ev.TransactionID, string(ev.From), string(ev.To), ev.Actor, ev.Reason, ev.At.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
	}
	return nil
}

func decodeDocument(doc []byte, version int64) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(doc, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.Version = version
	return &tx, nil
}
