package authkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/greenhouse-auth/internal/revocation"
	"go.uber.org/zap/zaptest"
)

const (
	testGameClientRedirect = "http://localhost:3000/login/callback"
	testUserEmail          = "player@example.com"
	testUserPassword       = "correct horse"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeyErr != nil {
		t.Fatalf("generate rsa key: %v", testKeyErr)
	}
	return testKey
}

func testClients() []Client {
	return []Client{
		{
			ID:         "postman",
			Secret:     "s3cr3t",
			GrantTypes: []string{GrantTypeClientCredentials, GrantTypePassword},
			Scopes:     []string{"admin", "game"},
		},
		{
			ID:           "greenhouse-game-client",
			Secret:       "publicS3cr3t",
			GrantTypes:   []string{GrantTypeImplicit, GrantTypeAuthorizationCode},
			Scopes:       []string{"game", ScopeOpenID},
			RedirectURIs: []string{testGameClientRedirect},
			AllowOffline: true,
		},
		{
			ID:         "greenhouse-game-server",
			Secret:     "s3cr3t",
			GrantTypes: []string{GrantTypeClientCredentials},
			Scopes:     []string{"server"},
		},
	}
}

func newTestClientRegistry(t *testing.T) *ClientRegistry {
	t.Helper()
	registry, err := NewClientRegistry(testClients())
	if err != nil {
		t.Fatalf("client registry: %v", err)
	}
	return registry
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		Issuer:               DefaultIssuer,
		GameServerAudience:   DefaultGameServerAudience,
		GameClientAudience:   DefaultGameClientAudience,
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		AuthorizationCodeTTL: 10 * time.Minute,
		LoginStateTTL:        5 * time.Minute,
	}
}

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func newTestCodec(t *testing.T, clock Clock) *TokenCodec {
	t.Helper()
	signingKey, err := NewSigningKey(testPrivateKey(t))
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	codec, err := NewTokenCodec(DefaultIssuer, signingKey, clock)
	if err != nil {
		t.Fatalf("token codec: %v", err)
	}
	return codec
}

// engineFixture wires the grant engine over in-memory stores.
type engineFixture struct {
	configuration ServerConfig
	clients       *ClientRegistry
	users         *MemoryUserStore
	credentials   *MemoryCredentialStore
	codec         *TokenCodec
	clock         *controllableClock
	metrics       *CounterMetrics
	bus           *revocation.MemoryBus
	sessions      *revocation.SessionRegistry
	dispatcher    *GrantDispatcher
	verifier      *BearerVerifier
	admin         *AdminService
}

func newEngineFixture(t *testing.T, configure func(*ServerConfig)) *engineFixture {
	t.Helper()
	configuration := newTestServerConfig()
	if configure != nil {
		configure(&configuration)
	}
	logger := zaptest.NewLogger(t)
	clock := &controllableClock{current: time.Now().UTC()}
	fixture := &engineFixture{
		configuration: configuration,
		clients:       newTestClientRegistry(t),
		users:         NewMemoryUserStore(),
		credentials:   NewMemoryCredentialStore(),
		codec:         newTestCodec(t, clock),
		clock:         clock,
		metrics:       NewCounterMetrics(),
		bus:           revocation.NewMemoryBus(),
		sessions:      revocation.NewSessionRegistry(logger),
	}
	fixture.dispatcher = NewGrantDispatcher(configuration, fixture.clients, fixture.users, fixture.credentials, fixture.codec, logger, fixture.metrics)
	fixture.verifier = NewBearerVerifier(fixture.codec, fixture.clients, fixture.users, fixture.credentials, logger, fixture.metrics)
	fixture.admin = NewAdminService(fixture.users, fixture.bus, logger, fixture.metrics)
	return fixture
}

func (fixture *engineFixture) registerPasswordUser(t *testing.T, email string, password string) User {
	t.Helper()
	user, err := fixture.admin.Register(context.Background(), RegistrationRequest{
		Email:       email,
		DisplayName: "Player One",
		Password:    password,
	})
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	return user
}

func (fixture *engineFixture) federatedUser(t *testing.T, email string) User {
	t.Helper()
	user, err := fixture.users.UpsertFederatedUser(context.Background(), ExternalIdentity{
		Subject:     "google-" + email,
		Email:       email,
		DisplayName: "Federated Player",
	})
	if err != nil {
		t.Fatalf("upsert federated user: %v", err)
	}
	return user
}

func postmanPasswordRequest(username string, password string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypePassword,
		Username:     username,
		Password:     password,
		ClientID:     "postman",
		ClientSecret: "s3cr3t",
		Scope:        "game",
	}
}
