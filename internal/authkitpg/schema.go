package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the credentials table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credentials (
    kind TEXT NOT NULL,
    digest TEXT NOT NULL,
    payload JSONB NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (kind, digest)
);
CREATE INDEX IF NOT EXISTS idx_credentials_expires_at ON credentials (expires_at);
`)
	if err != nil {
		return fmt.Errorf("credential_store.postgres.ensure_schema: %w", err)
	}
	return nil
}
