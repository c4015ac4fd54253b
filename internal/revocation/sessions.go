package revocation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSessionRevoked is the cancellation cause of a session whose principal was banned.
	ErrSessionRevoked = errors.New("revocation.session_revoked")
	// ErrSessionsClosed is the cancellation cause of sessions ended by Close.
	ErrSessionsClosed = errors.New("revocation.sessions_closed")
)

// SessionRegistry tracks live sessions per principal and terminates them on ban.
type SessionRegistry struct {
	mutex    sync.Mutex
	sessions map[string]map[uint64]context.CancelCauseFunc
	nextID   uint64
	closed   bool
	logger   *zap.Logger
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: make(map[string]map[uint64]context.CancelCauseFunc),
		logger:   logger,
	}
}

// Open registers a session for principalID. The returned context is cancelled with
// ErrSessionRevoked when the principal is terminated; the close function must be called
// when the session ends. Sessions opened after Close start cancelled with ErrSessionsClosed.
func (registry *SessionRegistry) Open(parent context.Context, principalID string) (context.Context, func()) {
	sessionContext, cancel := context.WithCancelCause(parent)

	registry.mutex.Lock()
	if registry.closed {
		registry.mutex.Unlock()
		cancel(ErrSessionsClosed)
		return sessionContext, func() {}
	}
	sessionID := registry.nextID
	registry.nextID++
	principalSessions, ok := registry.sessions[principalID]
	if !ok {
		principalSessions = make(map[uint64]context.CancelCauseFunc)
		registry.sessions[principalID] = principalSessions
	}
	principalSessions[sessionID] = cancel
	registry.mutex.Unlock()

	var once sync.Once
	return sessionContext, func() {
		once.Do(func() {
			registry.mutex.Lock()
			if principalSessions, ok := registry.sessions[principalID]; ok {
				delete(principalSessions, sessionID)
				if len(principalSessions) == 0 {
					delete(registry.sessions, principalID)
				}
			}
			registry.mutex.Unlock()
			cancel(context.Canceled)
		})
	}
}

// Terminate cancels every session of principalID and returns how many were live.
func (registry *SessionRegistry) Terminate(principalID string) int {
	registry.mutex.Lock()
	principalSessions := registry.sessions[principalID]
	delete(registry.sessions, principalID)
	registry.mutex.Unlock()

	for _, cancel := range principalSessions {
		cancel(ErrSessionRevoked)
	}
	return len(principalSessions)
}

// Close cancels every live session with ErrSessionsClosed and refuses new ones.
// It returns how many sessions were live.
func (registry *SessionRegistry) Close() int {
	registry.mutex.Lock()
	registry.closed = true
	live := registry.sessions
	registry.sessions = make(map[string]map[uint64]context.CancelCauseFunc)
	registry.mutex.Unlock()

	terminated := 0
	for _, principalSessions := range live {
		for _, cancel := range principalSessions {
			cancel(ErrSessionsClosed)
			terminated++
		}
	}
	return terminated
}

// Count returns the number of live sessions of principalID.
func (registry *SessionRegistry) Count(principalID string) int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.sessions[principalID])
}

// Run terminates sessions for every ban subscriber delivers until ctx is done.
func (registry *SessionRegistry) Run(ctx context.Context, subscriber Subscriber) error {
	return subscriber.Subscribe(ctx, func(principalID string) {
		terminated := registry.Terminate(principalID)
		registry.logger.Info("sessions terminated for banned principal",
			zap.String("principal", principalID),
			zap.Int("sessions", terminated))
	})
}
