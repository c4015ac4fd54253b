package authkit

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryUserStore is a user store used for tests and local runs.
type MemoryUserStore struct {
	mutex sync.RWMutex
	users map[string]User
}

// NewMemoryUserStore constructs a store with an empty map.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

// GetUserByEmail returns a user by email.
func (store *MemoryUserStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// UpsertFederatedUser reuses the user with the same email or creates one.
func (store *MemoryUserStore) UpsertFederatedUser(ctx context.Context, identity ExternalIdentity) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	email := normalizeEmail(identity.Email)
	if existing, ok := store.users[email]; ok {
		if existing.GoogleID == "" && identity.Subject != "" {
			existing.GoogleID = identity.Subject
			store.users[email] = existing
		}
		return existing, nil
	}
	user := User{
		ID:          uuid.NewString(),
		Email:       email,
		GoogleID:    identity.Subject,
		DisplayName: identity.DisplayName,
	}
	store.users[email] = user
	return user, nil
}

// SavePasswordUser creates a password user or replaces the credentials of an existing one.
func (store *MemoryUserStore) SavePasswordUser(ctx context.Context, email string, displayName string, passwordHash string, passwordSalt string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	normalized := normalizeEmail(email)
	user, ok := store.users[normalized]
	if !ok {
		user = User{ID: uuid.NewString(), Email: normalized}
	}
	user.DisplayName = displayName
	user.PasswordHash = passwordHash
	user.PasswordSalt = passwordSalt
	store.users[normalized] = user
	return user, nil
}

// SetBanned flips the banned flag.
func (store *MemoryUserStore) SetBanned(ctx context.Context, email string, banned bool) (User, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	normalized := normalizeEmail(email)
	user, ok := store.users[normalized]
	if !ok {
		return User{}, false, ErrUserNotFound
	}
	if user.Banned == banned {
		return user, false, nil
	}
	user.Banned = banned
	store.users[normalized] = user
	return user, true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
