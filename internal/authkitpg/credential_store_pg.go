package authkitpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/greenhouse-auth/internal/authkit"
)

const (
	kindAuthorizationCode = "authorization_code"
	kindAccessToken       = "access_token"
	kindRefreshToken      = "refresh_token"
)

var errNonPositiveTTL = errors.New("credential_store.postgres.non_positive_ttl")

// database is the subset of pgxpool.Pool the store uses.
type database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresCredentialStore persists credentials as JSONB rows with an absolute expiry.
// Expired rows are invisible to reads and removed by Purge.
type PostgresCredentialStore struct {
	database database
	clock    authkit.Clock
}

// NewPostgresCredentialStore constructs a Postgres store over a pool. A nil clock uses
// the system clock.
func NewPostgresCredentialStore(pool database, clock authkit.Clock) *PostgresCredentialStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresCredentialStore{database: pool, clock: clock}
}

// PutAuthorizationCode stores a code with expiry.
func (store *PostgresCredentialStore) PutAuthorizationCode(ctx context.Context, codeDigest string, code authkit.AuthorizationCode, ttl time.Duration) error {
	return store.put(ctx, kindAuthorizationCode, codeDigest, code, ttl)
}

// ConsumeAuthorizationCode deletes the row and returns it in one statement.
func (store *PostgresCredentialStore) ConsumeAuthorizationCode(ctx context.Context, codeDigest string) (authkit.AuthorizationCode, error) {
	var code authkit.AuthorizationCode
	if err := store.consume(ctx, kindAuthorizationCode, codeDigest, &code); err != nil {
		return authkit.AuthorizationCode{}, err
	}
	return code, nil
}

// PutAccessToken stores an access token record with expiry.
func (store *PostgresCredentialStore) PutAccessToken(ctx context.Context, tokenDigest string, record authkit.AccessTokenRecord, ttl time.Duration) error {
	return store.put(ctx, kindAccessToken, tokenDigest, record, ttl)
}

// GetAccessToken fetches an unexpired access token record.
func (store *PostgresCredentialStore) GetAccessToken(ctx context.Context, tokenDigest string) (authkit.AccessTokenRecord, error) {
	var record authkit.AccessTokenRecord
	if err := store.get(ctx, kindAccessToken, tokenDigest, &record); err != nil {
		return authkit.AccessTokenRecord{}, err
	}
	return record, nil
}

// RevokeAccessToken flags the record without touching expires_at.
func (store *PostgresCredentialStore) RevokeAccessToken(ctx context.Context, tokenDigest string) error {
	tag, err := store.database.Exec(ctx, `
UPDATE credentials
SET payload = jsonb_set(payload, '{revoked}', 'true'::jsonb)
WHERE kind = $1 AND digest = $2 AND expires_at > $3
`, kindAccessToken, tokenDigest, store.now())
	if err != nil {
		return fmt.Errorf("credential_store.postgres.revoke_access_token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authkit.ErrCredentialNotFound
	}
	return nil
}

// PutRefreshToken stores a refresh token with expiry.
func (store *PostgresCredentialStore) PutRefreshToken(ctx context.Context, tokenDigest string, token authkit.RefreshToken, ttl time.Duration) error {
	return store.put(ctx, kindRefreshToken, tokenDigest, token, ttl)
}

// GetRefreshToken fetches an unexpired refresh token.
func (store *PostgresCredentialStore) GetRefreshToken(ctx context.Context, tokenDigest string) (authkit.RefreshToken, error) {
	var token authkit.RefreshToken
	if err := store.get(ctx, kindRefreshToken, tokenDigest, &token); err != nil {
		return authkit.RefreshToken{}, err
	}
	return token, nil
}

// ConsumeRefreshToken deletes the row and returns it in one statement.
func (store *PostgresCredentialStore) ConsumeRefreshToken(ctx context.Context, tokenDigest string) (authkit.RefreshToken, error) {
	var token authkit.RefreshToken
	if err := store.consume(ctx, kindRefreshToken, tokenDigest, &token); err != nil {
		return authkit.RefreshToken{}, err
	}
	return token, nil
}

// Purge removes expired rows and returns how many were deleted.
func (store *PostgresCredentialStore) Purge(ctx context.Context) (int64, error) {
	tag, err := store.database.Exec(ctx, `DELETE FROM credentials WHERE expires_at <= $1`, store.now())
	if err != nil {
		return 0, fmt.Errorf("credential_store.postgres.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (store *PostgresCredentialStore) put(ctx context.Context, kind string, digest string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("credential_store.postgres.put_%s: %w", kind, errNonPositiveTTL)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("credential_store.postgres.put_%s: %w", kind, err)
	}
	_, execErr := store.database.Exec(ctx, `
INSERT INTO credentials (kind, digest, payload, expires_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (kind, digest) DO UPDATE
SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at
`, kind, digest, string(payload), store.now().Add(ttl))
	if execErr != nil {
		return fmt.Errorf("credential_store.postgres.put_%s: %w", kind, execErr)
	}
	return nil
}

func (store *PostgresCredentialStore) get(ctx context.Context, kind string, digest string, target any) error {
	var payload []byte
	row := store.database.QueryRow(ctx, `
SELECT payload
FROM credentials
WHERE kind = $1 AND digest = $2 AND expires_at > $3
`, kind, digest, store.now())
	if err := row.Scan(&payload); err != nil {
		return translate("get_"+kind, err)
	}
	return decodePayload("get_"+kind, payload, target)
}

func (store *PostgresCredentialStore) consume(ctx context.Context, kind string, digest string, target any) error {
	var payload []byte
	var expiresAt time.Time
	row := store.database.QueryRow(ctx, `
DELETE FROM credentials
WHERE kind = $1 AND digest = $2
RETURNING payload, expires_at
`, kind, digest)
	if err := row.Scan(&payload, &expiresAt); err != nil {
		return translate("consume_"+kind, err)
	}
	if !expiresAt.After(store.now()) {
		return authkit.ErrCredentialNotFound
	}
	return decodePayload("consume_"+kind, payload, target)
}

func (store *PostgresCredentialStore) now() time.Time {
	return store.clock.Now().UTC()
}

func translate(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return authkit.ErrCredentialNotFound
	}
	return fmt.Errorf("credential_store.postgres.%s: %w", operation, err)
}

func decodePayload(operation string, payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("credential_store.postgres.%s.decode: %w", operation, err)
	}
	return nil
}
