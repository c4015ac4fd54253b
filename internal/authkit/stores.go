package authkit

import (
	"context"
	"time"
)

// User is a principal known to the authorization server.
type User struct {
	ID           string
	Email        string
	GoogleID     string
	DisplayName  string
	PasswordHash string
	PasswordSalt string
	Banned       bool
}

// HasPassword reports whether the user may authenticate with the password grant.
func (user User) HasPassword() bool {
	return user.PasswordHash != "" && user.PasswordSalt != ""
}

// ExternalIdentity is a verified profile handed over by a federated identity provider.
type ExternalIdentity struct {
	Subject     string
	Email       string
	DisplayName string
}

// UserStore persists principals keyed by email.
type UserStore interface {
	// GetUserByEmail returns ErrUserNotFound when no user has the email.
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// UpsertFederatedUser returns the existing user for identity.Email or creates one.
	UpsertFederatedUser(ctx context.Context, identity ExternalIdentity) (User, error)
	// SavePasswordUser creates or updates a user with password credentials.
	SavePasswordUser(ctx context.Context, email string, displayName string, passwordHash string, passwordSalt string) (User, error)
	// SetBanned flips the banned flag and reports whether the value changed.
	SetBanned(ctx context.Context, email string, banned bool) (User, bool, error)
}

// AuthorizationCode is the pending grant bound to a client and redirect URI.
type AuthorizationCode struct {
	Email       string `json:"email"`
	Scope       string `json:"scope"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	AccessType  string `json:"access_type,omitempty"`
}

// AccessTokenRecord tracks an issued access token so it can be revoked early.
type AccessTokenRecord struct {
	Email    string `json:"email"`
	ClientID string `json:"client_id,omitempty"`
	Revoked  bool   `json:"revoked,omitempty"`
}

// RefreshToken is the long-lived grant a refresh_token request redeems.
type RefreshToken struct {
	Email    string `json:"email"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id,omitempty"`
}

// CredentialStore persists TTL-bound credentials. Opaque values are hashed by callers
// through hashOpaque before they reach the store; implementations index by that digest.
// Missing and expired records both yield ErrCredentialNotFound.
type CredentialStore interface {
	PutAuthorizationCode(ctx context.Context, codeDigest string, code AuthorizationCode, ttl time.Duration) error
	// ConsumeAuthorizationCode atomically fetches and deletes the code.
	ConsumeAuthorizationCode(ctx context.Context, codeDigest string) (AuthorizationCode, error)

	PutAccessToken(ctx context.Context, tokenDigest string, record AccessTokenRecord, ttl time.Duration) error
	GetAccessToken(ctx context.Context, tokenDigest string) (AccessTokenRecord, error)
	// RevokeAccessToken marks the record revoked without extending its lifetime.
	RevokeAccessToken(ctx context.Context, tokenDigest string) error

	PutRefreshToken(ctx context.Context, tokenDigest string, token RefreshToken, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error)
	// ConsumeRefreshToken atomically fetches and deletes the refresh token.
	ConsumeRefreshToken(ctx context.Context, tokenDigest string) (RefreshToken, error)
}
