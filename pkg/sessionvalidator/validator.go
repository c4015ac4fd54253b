// Package sessionvalidator lets relying services validate access tokens issued by the
// authorization server against its published key set.
package sessionvalidator

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	KeySet   jose.JSONWebKeySet
	Issuer   string
	Audience string
	Clock    Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// NameClaim carries the principal display name on user access tokens.
const NameClaim = "greenhouse-auth-server:name"

// Sentinel errors exposed by the validator.
var (
	ErrMissingKeys     = errors.New("session.validator.missing_keys")
	ErrMissingIssuer   = errors.New("session.validator.missing_issuer")
	ErrMissingAudience = errors.New("session.validator.missing_audience")
	ErrMissingToken    = errors.New("session.validator.missing_token")
	ErrInvalidToken    = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer   = errors.New("session.validator.invalid_issuer")
	ErrInvalidAudience = errors.New("session.validator.invalid_audience")
	ErrTokenExpired    = errors.New("session.validator.expired")
	ErrKeySetDownload  = errors.New("session.validator.key_set_download")
	ErrKeySetMalformed = errors.New("session.validator.key_set_malformed")
	errUnknownKeyID    = errors.New("session.validator.unknown_kid")
	errUnsupportedKey  = errors.New("session.validator.unsupported_key")
)

const maxKeySetBodyLength = 1 << 20

// Validator validates RS256 bearer tokens for a single audience.
type Validator struct {
	keys     map[string]*rsa.PublicKey
	issuer   string
	audience string
	clock    Clock
}

// Claims represent the payload of an access token.
type Claims struct {
	Scope       string `json:"scope"`
	DisplayName string `json:"greenhouse-auth-server:name,omitempty"`
	jwt.RegisteredClaims
}

// GetDisplayName returns the principal name carried by user tokens.
func (claims *Claims) GetDisplayName() string {
	if claims == nil {
		return ""
	}
	return claims.DisplayName
}

// GetScopes returns the granted scopes.
func (claims *Claims) GetScopes() []string {
	if claims == nil {
		return nil
	}
	return strings.Fields(claims.Scope)
}

// HasScope reports whether scope was granted.
func (claims *Claims) HasScope(scope string) bool {
	return slices.Contains(claims.GetScopes(), scope)
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingAudience)
	}
	keys := make(map[string]*rsa.PublicKey, len(configuration.KeySet.Keys))
	for _, webKey := range configuration.KeySet.Keys {
		publicKey, ok := webKey.Key.(*rsa.PublicKey)
		if !ok || webKey.KeyID == "" {
			return nil, fmt.Errorf("session.validator.new.%s: %w", webKey.KeyID, errUnsupportedKey)
		}
		keys[webKey.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingKeys)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		keys:     keys,
		issuer:   configuration.Issuer,
		audience: configuration.Audience,
		clock:    clock,
	}, nil
}

// ParseKeySet decodes a JSON Web Key Set document.
func ParseKeySet(document []byte) (jose.JSONWebKeySet, error) {
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(document, &keySet); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %w", ErrKeySetMalformed, err)
	}
	return keySet, nil
}

// FetchKeySet downloads the key set published at keySetURL.
func FetchKeySet(ctx context.Context, client *http.Client, keySetURL string) (jose.JSONWebKeySet, error) {
	if client == nil {
		client = http.DefaultClient
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, keySetURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %w", ErrKeySetDownload, err)
	}
	response, err := client.Do(request)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %w", ErrKeySetDownload, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: status %d", ErrKeySetDownload, response.StatusCode)
	}
	document, err := io.ReadAll(io.LimitReader(response.Body, maxKeySetBodyLength))
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %w", ErrKeySetDownload, err)
	}
	return ParseKeySet(document)
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, validator.lookupKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(validator.clock.Now),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if !slices.Contains(claims.Audience, validator.audience) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidAudience)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

func (validator *Validator) lookupKey(token *jwt.Token) (interface{}, error) {
	keyID, _ := token.Header["kid"].(string)
	publicKey, ok := validator.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKeyID, keyID)
	}
	return publicKey, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(request.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(strings.TrimSpace(token))
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
