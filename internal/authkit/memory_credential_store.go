package authkit

import (
	"context"
	"sync"
	"time"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev.
type MemoryCredentialStore struct {
	mutex              sync.Mutex
	authorizationCodes map[string]memoryEntry[AuthorizationCode]
	accessTokens       map[string]memoryEntry[AccessTokenRecord]
	refreshTokens      map[string]memoryEntry[RefreshToken]
	now                func() time.Time
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		authorizationCodes: make(map[string]memoryEntry[AuthorizationCode]),
		accessTokens:       make(map[string]memoryEntry[AccessTokenRecord]),
		refreshTokens:      make(map[string]memoryEntry[RefreshToken]),
		now:                time.Now,
	}
}

// PutAuthorizationCode stores a code until ttl elapses.
func (store *MemoryCredentialStore) PutAuthorizationCode(ctx context.Context, codeDigest string, code AuthorizationCode, ttl time.Duration) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.authorizationCodes[codeDigest] = memoryEntry[AuthorizationCode]{value: code, expiresAt: store.now().Add(ttl)}
	return nil
}

// ConsumeAuthorizationCode removes and returns the code.
func (store *MemoryCredentialStore) ConsumeAuthorizationCode(ctx context.Context, codeDigest string) (AuthorizationCode, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return takeEntry(store.authorizationCodes, codeDigest, store.now(), true)
}

// PutAccessToken stores an access token record until ttl elapses.
func (store *MemoryCredentialStore) PutAccessToken(ctx context.Context, tokenDigest string, record AccessTokenRecord, ttl time.Duration) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.accessTokens[tokenDigest] = memoryEntry[AccessTokenRecord]{value: record, expiresAt: store.now().Add(ttl)}
	return nil
}

// GetAccessToken returns the access token record.
func (store *MemoryCredentialStore) GetAccessToken(ctx context.Context, tokenDigest string) (AccessTokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return takeEntry(store.accessTokens, tokenDigest, store.now(), false)
}

// RevokeAccessToken marks the access token record revoked.
func (store *MemoryCredentialStore) RevokeAccessToken(ctx context.Context, tokenDigest string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, err := liveEntry(store.accessTokens, tokenDigest, store.now())
	if err != nil {
		return err
	}
	entry.value.Revoked = true
	store.accessTokens[tokenDigest] = entry
	return nil
}

// PutRefreshToken stores a refresh token until ttl elapses.
func (store *MemoryCredentialStore) PutRefreshToken(ctx context.Context, tokenDigest string, token RefreshToken, ttl time.Duration) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.refreshTokens[tokenDigest] = memoryEntry[RefreshToken]{value: token, expiresAt: store.now().Add(ttl)}
	return nil
}

// GetRefreshToken returns the refresh token.
func (store *MemoryCredentialStore) GetRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return takeEntry(store.refreshTokens, tokenDigest, store.now(), false)
}

// ConsumeRefreshToken removes and returns the refresh token.
func (store *MemoryCredentialStore) ConsumeRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return takeEntry(store.refreshTokens, tokenDigest, store.now(), true)
}

func (store *MemoryCredentialStore) purgeExpiredLocked() {
	now := store.now()
	purgeExpired(store.authorizationCodes, now)
	purgeExpired(store.accessTokens, now)
	purgeExpired(store.refreshTokens, now)
}

func liveEntry[T any](entries map[string]memoryEntry[T], key string, now time.Time) (memoryEntry[T], error) {
	entry, ok := entries[key]
	if !ok {
		return memoryEntry[T]{}, ErrCredentialNotFound
	}
	if !now.Before(entry.expiresAt) {
		delete(entries, key)
		return memoryEntry[T]{}, ErrCredentialNotFound
	}
	return entry, nil
}

func takeEntry[T any](entries map[string]memoryEntry[T], key string, now time.Time, remove bool) (T, error) {
	entry, err := liveEntry(entries, key, now)
	if err != nil {
		var zero T
		return zero, err
	}
	if remove {
		delete(entries, key)
	}
	return entry.value, nil
}

func purgeExpired[T any](entries map[string]memoryEntry[T], now time.Time) {
	for key, entry := range entries {
		if !now.Before(entry.expiresAt) {
			delete(entries, key)
		}
	}
}
