// Package revocation broadcasts principal bans to every process holding live sessions.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultBanChannel is the pub/sub channel ban notifications are published on.
const DefaultBanChannel = "bans"

// ErrEmptyPrincipal indicates a ban was published without a principal id.
var ErrEmptyPrincipal = errors.New("revocation.empty_principal")

// Publisher announces that a principal has been banned.
type Publisher interface {
	PublishBan(ctx context.Context, principalID string) error
}

// Subscriber delivers ban notifications until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(principalID string)) error
}

// RedisBus publishes and receives bans over a Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisBus binds a bus to client. An empty channel selects DefaultBanChannel.
func NewRedisBus(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisBus {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultBanChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// PublishBan publishes principalID on the ban channel.
func (bus *RedisBus) PublishBan(ctx context.Context, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return ErrEmptyPrincipal
	}
	if err := bus.client.Publish(ctx, bus.channel, principalID).Err(); err != nil {
		return fmt.Errorf("revocation.publish.redis: %w", err)
	}
	return nil
}

// Subscribe blocks delivering ban payloads to handler until ctx is done.
func (bus *RedisBus) Subscribe(ctx context.Context, handler func(principalID string)) error {
	subscription := bus.client.Subscribe(ctx, bus.channel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("revocation.subscribe.redis: %w", err)
	}
	bus.logger.Info("ban subscription established", zap.String("channel", bus.channel))

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			if message.Payload == "" {
				continue
			}
			handler(message.Payload)
		}
	}
}

// MemoryBus is an in-process Publisher and Subscriber for single-instance deployments.
type MemoryBus struct {
	mutex    sync.RWMutex
	handlers map[uint64]func(string)
	nextID   uint64
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[uint64]func(string))}
}

// PublishBan delivers principalID to every current subscriber.
func (bus *MemoryBus) PublishBan(ctx context.Context, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return ErrEmptyPrincipal
	}
	bus.mutex.RLock()
	handlers := make([]func(string), 0, len(bus.handlers))
	for _, handler := range bus.handlers {
		handlers = append(handlers, handler)
	}
	bus.mutex.RUnlock()
	for _, handler := range handlers {
		handler(principalID)
	}
	return nil
}

// Subscribe registers handler until ctx is done.
func (bus *MemoryBus) Subscribe(ctx context.Context, handler func(principalID string)) error {
	bus.mutex.Lock()
	subscriptionID := bus.nextID
	bus.nextID++
	bus.handlers[subscriptionID] = handler
	bus.mutex.Unlock()

	<-ctx.Done()

	bus.mutex.Lock()
	delete(bus.handlers, subscriptionID)
	bus.mutex.Unlock()
	return ctx.Err()
}

// Subscribers returns the number of active subscriptions.
func (bus *MemoryBus) Subscribers() int {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	return len(bus.handlers)
}
