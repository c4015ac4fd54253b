package authkit

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Grant and response type names understood by the authorization server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	// GrantTypeImplicit is the client policy name for response_type=token.
	GrantTypeImplicit = "token"

	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"

	AccessTypeOffline = "offline"
	ScopeOpenID       = "openid"
	ScopeAdmin        = "admin"
)

var (
	errClientMissingID       = errors.New("client_registry.missing_id")
	errClientDuplicateID     = errors.New("client_registry.duplicate_id")
	errClientUnknownGrant    = errors.New("client_registry.unknown_grant_type")
	errClientMissingRedirect = errors.New("client_registry.missing_redirect_uris")
	errClientRegistryEmpty   = errors.New("client_registry.empty")
)

// Client is an OAuth client and the policy that applies to it.
type Client struct {
	ID           string   `mapstructure:"id"`
	Secret       string   `mapstructure:"secret"`
	GrantTypes   []string `mapstructure:"grant_types"`
	Scopes       []string `mapstructure:"scopes"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
	AllowOffline bool     `mapstructure:"allow_offline"`
}

// AllowsGrant reports whether the client may use the named grant.
func (client Client) AllowsGrant(grantType string) bool {
	return slices.Contains(client.GrantTypes, grantType)
}

// AllowsScope reports whether a single scope value is grantable to the client.
func (client Client) AllowsScope(scope string) bool {
	return slices.Contains(client.Scopes, scope)
}

// AllowsRedirectURI reports whether redirectURI is registered verbatim for the client.
func (client Client) AllowsRedirectURI(redirectURI string) bool {
	return slices.Contains(client.RedirectURIs, redirectURI)
}

// ClientRegistry is the read-only client policy store.
type ClientRegistry struct {
	clients map[string]Client
}

// NewClientRegistry validates the supplied clients and indexes them by id.
func NewClientRegistry(clients []Client) (*ClientRegistry, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("client_registry.new: %w", errClientRegistryEmpty)
	}
	indexed := make(map[string]Client, len(clients))
	for _, client := range clients {
		clientID := strings.TrimSpace(client.ID)
		if clientID == "" {
			return nil, fmt.Errorf("client_registry.new: %w", errClientMissingID)
		}
		if _, exists := indexed[clientID]; exists {
			return nil, fmt.Errorf("client_registry.new.%s: %w", clientID, errClientDuplicateID)
		}
		needsRedirect := false
		for _, grantType := range client.GrantTypes {
			switch grantType {
			case GrantTypeAuthorizationCode, GrantTypeImplicit:
				needsRedirect = true
			case GrantTypePassword, GrantTypeClientCredentials:
			default:
				return nil, fmt.Errorf("client_registry.new.%s.%s: %w", clientID, grantType, errClientUnknownGrant)
			}
		}
		if needsRedirect && len(client.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client_registry.new.%s: %w", clientID, errClientMissingRedirect)
		}
		client.ID = clientID
		indexed[clientID] = client
	}
	return &ClientRegistry{clients: indexed}, nil
}

// LoadClientRegistry reads a document with a top-level "clients" list.
func LoadClientRegistry(path string) (*ClientRegistry, error) {
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("client_registry.read: %w", err)
	}
	var document struct {
		Clients []Client `mapstructure:"clients"`
	}
	if err := reader.Unmarshal(&document); err != nil {
		return nil, fmt.Errorf("client_registry.decode: %w", err)
	}
	return NewClientRegistry(document.Clients)
}

// Lookup returns the client registered under clientID.
func (registry *ClientRegistry) Lookup(clientID string) (Client, bool) {
	if registry == nil {
		return Client{}, false
	}
	client, ok := registry.clients[clientID]
	return client, ok
}

// Scopes returns every scope some client may request, sorted.
func (registry *ClientRegistry) Scopes() []string {
	if registry == nil {
		return nil
	}
	var scopes []string
	for _, client := range registry.clients {
		for _, scope := range client.Scopes {
			if !slices.Contains(scopes, scope) {
				scopes = append(scopes, scope)
			}
		}
	}
	slices.Sort(scopes)
	return scopes
}
