package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces every credential key.
const DefaultRedisKeyPrefix = "auth:"

const (
	redisKindAuthorizationCode = "authorizationCode"
	redisKindAccessToken       = "accessToken"
	redisKindRefreshToken      = "refreshToken"
)

var errRedisNonPositiveTTL = errors.New("credential_store.redis.non_positive_ttl")

// RedisCredentialStore keeps credentials as JSON strings with native Redis expiry.
type RedisCredentialStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// OpenRedisClient parses a redis:// URL and verifies connectivity.
func OpenRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("credential_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credential_store.redis.ping: %w", pingErr)
	}
	return client, nil
}

// NewRedisCredentialStore wraps an existing client.
func NewRedisCredentialStore(client redis.UniversalClient, keyPrefix string) *RedisCredentialStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisCredentialStore{client: client, keyPrefix: keyPrefix}
}

// PutAuthorizationCode stores a code with expiry.
func (store *RedisCredentialStore) PutAuthorizationCode(ctx context.Context, codeDigest string, code AuthorizationCode, ttl time.Duration) error {
	return store.put(ctx, redisKindAuthorizationCode, codeDigest, code, ttl)
}

// ConsumeAuthorizationCode uses GETDEL so concurrent redemptions see the code at most once.
func (store *RedisCredentialStore) ConsumeAuthorizationCode(ctx context.Context, codeDigest string) (AuthorizationCode, error) {
	var code AuthorizationCode
	payload, err := store.client.GetDel(ctx, store.key(redisKindAuthorizationCode, codeDigest)).Result()
	if err != nil {
		return code, store.translate("consume_code", err)
	}
	if err := decodeRedisPayload("consume_code", payload, &code); err != nil {
		return AuthorizationCode{}, err
	}
	return code, nil
}

// PutAccessToken stores an access token record with expiry.
func (store *RedisCredentialStore) PutAccessToken(ctx context.Context, tokenDigest string, record AccessTokenRecord, ttl time.Duration) error {
	return store.put(ctx, redisKindAccessToken, tokenDigest, record, ttl)
}

// GetAccessToken fetches an access token record.
func (store *RedisCredentialStore) GetAccessToken(ctx context.Context, tokenDigest string) (AccessTokenRecord, error) {
	var record AccessTokenRecord
	payload, err := store.client.Get(ctx, store.key(redisKindAccessToken, tokenDigest)).Result()
	if err != nil {
		return record, store.translate("get_access_token", err)
	}
	if err := decodeRedisPayload("get_access_token", payload, &record); err != nil {
		return AccessTokenRecord{}, err
	}
	return record, nil
}

// RevokeAccessToken rewrites the record with KEEPTTL so revocation never extends its life.
func (store *RedisCredentialStore) RevokeAccessToken(ctx context.Context, tokenDigest string) error {
	record, err := store.GetAccessToken(ctx, tokenDigest)
	if err != nil {
		return err
	}
	record.Revoked = true
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return fmt.Errorf("credential_store.redis.revoke_access_token: %w", marshalErr)
	}
	setErr := store.client.SetArgs(ctx, store.key(redisKindAccessToken, tokenDigest), payload, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	return store.translate("revoke_access_token", setErr)
}

// PutRefreshToken stores a refresh token with expiry.
func (store *RedisCredentialStore) PutRefreshToken(ctx context.Context, tokenDigest string, token RefreshToken, ttl time.Duration) error {
	return store.put(ctx, redisKindRefreshToken, tokenDigest, token, ttl)
}

// GetRefreshToken fetches a refresh token.
func (store *RedisCredentialStore) GetRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error) {
	var token RefreshToken
	payload, err := store.client.Get(ctx, store.key(redisKindRefreshToken, tokenDigest)).Result()
	if err != nil {
		return token, store.translate("get_refresh_token", err)
	}
	if err := decodeRedisPayload("get_refresh_token", payload, &token); err != nil {
		return RefreshToken{}, err
	}
	return token, nil
}

// ConsumeRefreshToken fetches and deletes a refresh token atomically.
func (store *RedisCredentialStore) ConsumeRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error) {
	var token RefreshToken
	payload, err := store.client.GetDel(ctx, store.key(redisKindRefreshToken, tokenDigest)).Result()
	if err != nil {
		return token, store.translate("consume_refresh_token", err)
	}
	if err := decodeRedisPayload("consume_refresh_token", payload, &token); err != nil {
		return RefreshToken{}, err
	}
	return token, nil
}

func (store *RedisCredentialStore) put(ctx context.Context, kind string, digest string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("credential_store.redis.put_%s: %w", kind, errRedisNonPositiveTTL)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("credential_store.redis.put_%s: %w", kind, err)
	}
	if setErr := store.client.Set(ctx, store.key(kind, digest), payload, ttl).Err(); setErr != nil {
		return fmt.Errorf("credential_store.redis.put_%s: %w", kind, setErr)
	}
	return nil
}

func (store *RedisCredentialStore) key(kind string, digest string) string {
	return store.keyPrefix + kind + ":" + digest
}

func (store *RedisCredentialStore) translate(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrCredentialNotFound
	}
	return fmt.Errorf("credential_store.redis.%s: %w", operation, err)
}

func decodeRedisPayload(operation string, payload string, target any) error {
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return fmt.Errorf("credential_store.redis.%s.decode: %w", operation, err)
	}
	return nil
}
