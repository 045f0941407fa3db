package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"research-job-service/internal/models"
)

// PostgresArchiver mirrors audit entries into an audit_entries table for
// long-term retention and cross-session queries.
type PostgresArchiver struct {
	pool *pgxpool.Pool
}

// NewPostgresArchiver connects a pooled client to Postgres.
func NewPostgresArchiver(ctx context.Context, dsn string) (*PostgresArchiver, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresArchiver{pool: pool}, nil
}

// Migrate creates the audit table if it does not exist.
func (a *PostgresArchiver) Migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id          BIGSERIAL PRIMARY KEY,
			session_id  TEXT NOT NULL,
			entry_type  TEXT NOT NULL,
			message     TEXT NOT NULL,
			metadata    JSONB,
			ts          TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries (session_id, ts);
	`)
	if err != nil {
		return fmt.Errorf("migrate audit_entries: %w", err)
	}
	return nil
}

// Archive inserts one entry.
func (a *PostgresArchiver) Archive(ctx context.Context, entry models.AuditEntry) error {
	var meta []byte
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO audit_entries (session_id, entry_type, message, metadata, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.SessionID, entry.Type, entry.Message, meta, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close releases the pool.
func (a *PostgresArchiver) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
