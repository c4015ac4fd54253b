package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/idtoken"
)

var (
	// ErrFederatedExchange indicates the provider rejected the callback code.
	ErrFederatedExchange = errors.New("federated.exchange_failed")
	// ErrFederatedIdentity indicates the provider returned an unusable identity.
	ErrFederatedIdentity = errors.New("federated.invalid_identity")
)

// FederatedIdentityProvider authenticates browser users against an external OAuth2 provider.
type FederatedIdentityProvider interface {
	// AuthCodeURL returns the provider consent URL carrying state.
	AuthCodeURL(state string) string
	// Exchange redeems the callback code and returns the verified identity.
	Exchange(ctx context.Context, code string) (ExternalIdentity, error)
}

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleProviderConfig configures the Google identity provider.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	// Endpoint overrides the Google endpoints; the zero value selects Google.
	Endpoint oauth2.Endpoint
}

// GoogleIdentityProvider implements FederatedIdentityProvider with Google sign-in.
type GoogleIdentityProvider struct {
	oauthConfig *oauth2.Config
	validator   GoogleTokenValidator
}

// NewGoogleIdentityProvider binds the provider to OAuth client credentials and an ID token validator.
func NewGoogleIdentityProvider(configuration GoogleProviderConfig, validator GoogleTokenValidator) (*GoogleIdentityProvider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" || strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, fmt.Errorf("federated.google.config: client id and secret are required")
	}
	if validator == nil {
		return nil, fmt.Errorf("federated.google.config: validator is required")
	}
	endpoint := configuration.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = endpoints.Google
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &GoogleIdentityProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.CallbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     endpoint,
		},
		validator: validator,
	}, nil
}

// AuthCodeURL returns the Google consent URL.
func (provider *GoogleIdentityProvider) AuthCodeURL(state string) string {
	return provider.oauthConfig.AuthCodeURL(state)
}

// Exchange redeems code at Google and validates the returned ID token.
func (provider *GoogleIdentityProvider) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return ExternalIdentity{}, ErrFederatedExchange
	}
	token, err := provider.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %w", ErrFederatedExchange, err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: missing id_token", ErrFederatedIdentity)
	}
	payload, err := provider.validator.Validate(ctx, rawIDToken, provider.oauthConfig.ClientID)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %w", ErrFederatedIdentity, err)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ExternalIdentity{}, fmt.Errorf("%w: issuer %q", ErrFederatedIdentity, issuerValue)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		return ExternalIdentity{}, fmt.Errorf("%w: unverified identity", ErrFederatedIdentity)
	}
	return ExternalIdentity{
		Subject:     googleSub,
		Email:       normalizeEmail(userEmail),
		DisplayName: userDisplayName,
	}, nil
}
