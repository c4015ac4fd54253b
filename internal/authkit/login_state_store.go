package authkit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLoginStateNotFound indicates the state was never issued or was already consumed.
	ErrLoginStateNotFound = errors.New("login_state.not_found")
	// ErrLoginStateExpired indicates the state expired before the provider called back.
	ErrLoginStateExpired = errors.New("login_state.expired")
)

// LoginStateStore parks an authorization request while the browser visits the
// federated identity provider. States are single use.
type LoginStateStore interface {
	// Issue stores request and returns the opaque state to round-trip through the provider.
	Issue(ctx context.Context, request AuthorizationRequest) (string, error)
	// Consume returns and invalidates the request stored under state.
	Consume(ctx context.Context, state string) (AuthorizationRequest, error)
}

type loginStateEntry struct {
	request   AuthorizationRequest
	expiresAt time.Time
}

type memoryLoginStateStore struct {
	mutex   sync.Mutex
	entries map[string]loginStateEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLoginStateStore constructs an in-process LoginStateStore with the provided TTL.
func NewMemoryLoginStateStore(ttl time.Duration) LoginStateStore {
	return &memoryLoginStateStore{
		entries: make(map[string]loginStateEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryLoginStateStore) Issue(ctx context.Context, request AuthorizationRequest) (string, error) {
	state, _, err := generateOpaque()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = loginStateEntry{request: request, expiresAt: store.now().Add(store.ttl)}
	return state, nil
}

func (store *memoryLoginStateStore) Consume(ctx context.Context, state string) (AuthorizationRequest, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return AuthorizationRequest{}, ErrLoginStateNotFound
	}
	delete(store.entries, state)
	if store.now().After(entry.expiresAt) {
		store.purgeExpiredLocked()
		return AuthorizationRequest{}, ErrLoginStateExpired
	}
	store.purgeExpiredLocked()
	return entry.request, nil
}

func (store *memoryLoginStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, state)
		}
	}
}
