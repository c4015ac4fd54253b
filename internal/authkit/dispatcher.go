package authkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// TokenRequest is the body of a token endpoint call.
type TokenRequest struct {
	GrantType    string `json:"grant_type" form:"grant_type"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
	Scope        string `json:"scope" form:"scope"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
	AccessType   string `json:"access_type" form:"access_type"`
	Code         string `json:"code" form:"code"`
	Username     string `json:"username" form:"username"`
	Password     string `json:"password" form:"password"`
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
	Resource     string `json:"resource" form:"resource"`
}

func (request TokenRequest) authorizationRequest() AuthorizationRequest {
	return AuthorizationRequest{
		GrantType:    request.GrantType,
		ClientID:     request.ClientID,
		ClientSecret: request.ClientSecret,
		Scope:        request.Scope,
		RedirectURI:  request.RedirectURI,
		AccessType:   request.AccessType,
	}
}

// TokenResponse is the OAuth2-shaped token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RevocationRequest asks for a refresh or access token to be revoked.
type RevocationRequest struct {
	Token        string `json:"token" form:"token"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
}

const tokenTypeBearer = "Bearer"

// GrantDispatcher executes the grant flows and persists what they issue.
type GrantDispatcher struct {
	configuration ServerConfig
	clients       *ClientRegistry
	authorizer    GrantAuthorizer
	users         UserStore
	credentials   CredentialStore
	codec         *TokenCodec
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewGrantDispatcher wires a dispatcher. A nil logger or metrics recorder is replaced by a no-op.
func NewGrantDispatcher(configuration ServerConfig, clients *ClientRegistry, users UserStore, credentials CredentialStore, codec *TokenCodec, logger *zap.Logger, metrics MetricsRecorder) *GrantDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &GrantDispatcher{
		configuration: configuration,
		clients:       clients,
		authorizer:    NewGrantAuthorizer(clients),
		users:         users,
		credentials:   credentials,
		codec:         codec,
		logger:        logger,
		metrics:       metrics,
	}
}

// Authorize applies the client policy to request and logs the failed rule on denial.
func (dispatcher *GrantDispatcher) Authorize(request AuthorizationRequest) bool {
	allowed, rule := dispatcher.authorizer.evaluate(request)
	if !allowed {
		dispatcher.logger.Debug("authorization request denied",
			zap.String("code", metricTokenDenied),
			zap.String("rule", rule),
			zap.String("client_id", request.ClientID))
	}
	return allowed
}

// AuthorizeRedirect completes a browser flow (response_type code or token) for an
// already authenticated principal and returns the URL to redirect to.
func (dispatcher *GrantDispatcher) AuthorizeRedirect(ctx context.Context, principal User, request AuthorizationRequest) (string, error) {
	if request.GrantType != "" || !dispatcher.Authorize(request) {
		return "", dispatcher.deny("policy", request.ClientID)
	}
	if principal.Banned {
		return "", dispatcher.forbid(principal.Email, request.ClientID)
	}

	redirectURL, parseErr := url.Parse(request.RedirectURI)
	if parseErr != nil {
		return "", dispatcher.deny("redirect_uri_unparseable", request.ClientID)
	}
	query := redirectURL.Query()

	switch request.ResponseType {
	case ResponseTypeCode:
		opaque, digest, err := generateOpaque()
		if err != nil {
			return "", err
		}
		code := AuthorizationCode{
			Email:       principal.Email,
			Scope:       request.Scope,
			ClientID:    request.ClientID,
			RedirectURI: request.RedirectURI,
		}
		if request.AccessType == AccessTypeOffline {
			code.AccessType = AccessTypeOffline
		}
		if err := dispatcher.credentials.PutAuthorizationCode(ctx, digest, code, dispatcher.configuration.AuthorizationCodeTTL); err != nil {
			return "", fmt.Errorf("grant.code.persist: %w", err)
		}
		query.Set("code", opaque)
		dispatcher.metrics.Increment(metricCodeIssued)
	case ResponseTypeToken:
		response, err := dispatcher.issueUserTokens(ctx, principal, request.Scope, request.ClientID)
		if err != nil {
			return "", err
		}
		query.Set("access_token", response.AccessToken)
		if response.IDToken != "" {
			query.Set("id_token", response.IDToken)
		}
		query.Set("token_type", response.TokenType)
		query.Set("expires_in", strconv.FormatInt(response.ExpiresIn, 10))
		dispatcher.issued(ResponseTypeToken, principal.Email, request.ClientID)
	default:
		return "", dispatcher.deny("response_type", request.ClientID)
	}

	if request.State != "" {
		query.Set("state", request.State)
	}
	redirectURL.RawQuery = query.Encode()
	return redirectURL.String(), nil
}

// Exchange runs the token endpoint flow selected by request.GrantType.
func (dispatcher *GrantDispatcher) Exchange(ctx context.Context, request TokenRequest) (TokenResponse, error) {
	switch request.GrantType {
	case GrantTypeAuthorizationCode:
		return dispatcher.exchangeAuthorizationCode(ctx, request)
	case GrantTypePassword:
		return dispatcher.exchangePassword(ctx, request)
	case GrantTypeClientCredentials:
		return dispatcher.exchangeClientCredentials(ctx, request)
	case GrantTypeRefreshToken:
		return dispatcher.exchangeRefreshToken(ctx, request)
	default:
		return TokenResponse{}, dispatcher.deny("grant_type", request.ClientID)
	}
}

func (dispatcher *GrantDispatcher) exchangeAuthorizationCode(ctx context.Context, request TokenRequest) (TokenResponse, error) {
	if request.Code == "" {
		return TokenResponse{}, dispatcher.deny("code_missing", request.ClientID)
	}
	code, err := dispatcher.credentials.ConsumeAuthorizationCode(ctx, hashOpaque(request.Code))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return TokenResponse{}, dispatcher.deny("code_unknown", request.ClientID)
		}
		return TokenResponse{}, fmt.Errorf("grant.authorization_code.consume: %w", err)
	}
	if request.ClientID != code.ClientID || request.RedirectURI != code.RedirectURI {
		return TokenResponse{}, dispatcher.deny("code_binding_mismatch", request.ClientID)
	}

	reverification := AuthorizationRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     code.ClientID,
		ClientSecret: request.ClientSecret,
		Scope:        code.Scope,
		RedirectURI:  code.RedirectURI,
		AccessType:   code.AccessType,
	}
	if !dispatcher.Authorize(reverification) {
		return TokenResponse{}, dispatcher.deny("policy", request.ClientID)
	}

	principal, err := dispatcher.resolvePrincipal(ctx, code.Email, request.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	response, err := dispatcher.issueUserTokens(ctx, principal, code.Scope, code.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	if code.AccessType == AccessTypeOffline {
		refreshOpaque, refreshErr := dispatcher.issueRefreshToken(ctx, principal.Email, code.Scope, code.ClientID)
		if refreshErr != nil {
			return TokenResponse{}, refreshErr
		}
		response.RefreshToken = refreshOpaque
	}
	dispatcher.issued(GrantTypeAuthorizationCode, principal.Email, request.ClientID)
	return response, nil
}

func (dispatcher *GrantDispatcher) exchangePassword(ctx context.Context, request TokenRequest) (TokenResponse, error) {
	if !dispatcher.Authorize(request.authorizationRequest()) {
		return TokenResponse{}, dispatcher.deny("policy", request.ClientID)
	}
	principal, err := dispatcher.users.GetUserByEmail(ctx, request.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenResponse{}, dispatcher.deny("password_user_unknown", request.ClientID)
		}
		return TokenResponse{}, fmt.Errorf("grant.password.lookup: %w", err)
	}
	if !VerifyPassword(principal, request.Password) {
		return TokenResponse{}, dispatcher.deny("password_mismatch", request.ClientID)
	}
	if principal.Banned {
		return TokenResponse{}, dispatcher.forbid(principal.Email, request.ClientID)
	}
	response, err := dispatcher.issueUserTokens(ctx, principal, request.Scope, request.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	dispatcher.issued(GrantTypePassword, principal.Email, request.ClientID)
	return response, nil
}

func (dispatcher *GrantDispatcher) exchangeClientCredentials(ctx context.Context, request TokenRequest) (TokenResponse, error) {
	if request.Resource == "" {
		return TokenResponse{}, dispatcher.deny("resource_missing", request.ClientID)
	}
	if !dispatcher.Authorize(request.authorizationRequest()) {
		return TokenResponse{}, dispatcher.deny("policy", request.ClientID)
	}
	ttl := dispatcher.configuration.AccessTokenTTL
	accessToken, _, err := dispatcher.codec.Issue(request.Resource, request.ClientID, map[string]any{
		"scope": request.Scope,
	}, ttl)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("grant.client_credentials.issue: %w", err)
	}
	dispatcher.issued(GrantTypeClientCredentials, request.Resource, request.ClientID)
	return TokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(ttl / time.Second),
	}, nil
}

func (dispatcher *GrantDispatcher) exchangeRefreshToken(ctx context.Context, request TokenRequest) (TokenResponse, error) {
	if request.RefreshToken == "" {
		return TokenResponse{}, dispatcher.deny("refresh_token_missing", request.ClientID)
	}
	digest := hashOpaque(request.RefreshToken)
	var refreshToken RefreshToken
	var err error
	if dispatcher.configuration.RotateRefreshTokens {
		refreshToken, err = dispatcher.credentials.ConsumeRefreshToken(ctx, digest)
	} else {
		refreshToken, err = dispatcher.credentials.GetRefreshToken(ctx, digest)
	}
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return TokenResponse{}, dispatcher.deny("refresh_token_unknown", request.ClientID)
		}
		return TokenResponse{}, fmt.Errorf("grant.refresh_token.lookup: %w", err)
	}

	principal, err := dispatcher.resolvePrincipal(ctx, refreshToken.Email, request.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	response, err := dispatcher.issueUserTokens(ctx, principal, refreshToken.Scope, refreshToken.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	if dispatcher.configuration.RotateRefreshTokens {
		rotated, rotateErr := dispatcher.issueRefreshToken(ctx, principal.Email, refreshToken.Scope, refreshToken.ClientID)
		if rotateErr != nil {
			return TokenResponse{}, rotateErr
		}
		response.RefreshToken = rotated
	}
	dispatcher.issued(GrantTypeRefreshToken, principal.Email, refreshToken.ClientID)
	return response, nil
}

// Revoke invalidates a refresh token or a tracked access token on behalf of an
// authenticated client. Unknown tokens succeed silently.
func (dispatcher *GrantDispatcher) Revoke(ctx context.Context, request RevocationRequest) error {
	client, found := dispatcher.clients.Lookup(request.ClientID)
	if !found || subtle.ConstantTimeCompare([]byte(client.Secret), []byte(request.ClientSecret)) != 1 {
		return dispatcher.deny("revoke_client", request.ClientID)
	}
	if request.Token == "" {
		return nil
	}
	digest := hashOpaque(request.Token)

	refreshToken, err := dispatcher.credentials.GetRefreshToken(ctx, digest)
	switch {
	case err == nil:
		if refreshToken.ClientID != "" && refreshToken.ClientID != client.ID {
			return dispatcher.deny("revoke_foreign_token", request.ClientID)
		}
		if _, consumeErr := dispatcher.credentials.ConsumeRefreshToken(ctx, digest); consumeErr != nil && !errors.Is(consumeErr, ErrCredentialNotFound) {
			return fmt.Errorf("grant.revoke.refresh_token: %w", consumeErr)
		}
		dispatcher.metrics.Increment(metricRevokeSuccess)
		return nil
	case !errors.Is(err, ErrCredentialNotFound):
		return fmt.Errorf("grant.revoke.refresh_token: %w", err)
	}

	accessRecord, err := dispatcher.credentials.GetAccessToken(ctx, digest)
	switch {
	case err == nil:
		if accessRecord.ClientID != "" && accessRecord.ClientID != client.ID {
			return dispatcher.deny("revoke_foreign_token", request.ClientID)
		}
		if revokeErr := dispatcher.credentials.RevokeAccessToken(ctx, digest); revokeErr != nil && !errors.Is(revokeErr, ErrCredentialNotFound) {
			return fmt.Errorf("grant.revoke.access_token: %w", revokeErr)
		}
		dispatcher.metrics.Increment(metricRevokeSuccess)
		return nil
	case errors.Is(err, ErrCredentialNotFound):
		return nil
	default:
		return fmt.Errorf("grant.revoke.access_token: %w", err)
	}
}

// resolvePrincipal loads the principal a stored grant belongs to and applies the ban check.
func (dispatcher *GrantDispatcher) resolvePrincipal(ctx context.Context, email string, clientID string) (User, error) {
	principal, err := dispatcher.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, dispatcher.deny("principal_unknown", clientID)
		}
		return User{}, fmt.Errorf("grant.principal.lookup: %w", err)
	}
	if principal.Banned {
		return User{}, dispatcher.forbid(principal.Email, clientID)
	}
	return principal, nil
}

func (dispatcher *GrantDispatcher) issueUserTokens(ctx context.Context, principal User, scope string, clientID string) (TokenResponse, error) {
	ttl := dispatcher.configuration.AccessTokenTTL
	accessToken, _, err := dispatcher.codec.Issue(principal.Email, dispatcher.configuration.GameServerAudience, map[string]any{
		"scope":   scope,
		NameClaim: principal.DisplayName,
	}, ttl)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("grant.issue.access_token: %w", err)
	}

	response := TokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(ttl / time.Second),
	}
	if dispatcher.shouldIssueIDToken(scope) {
		idToken, _, idErr := dispatcher.codec.Issue(principal.Email, dispatcher.configuration.GameClientAudience, map[string]any{
			"id":    principal.ID,
			"name":  principal.DisplayName,
			"email": principal.Email,
		}, ttl)
		if idErr != nil {
			return TokenResponse{}, fmt.Errorf("grant.issue.id_token: %w", idErr)
		}
		response.IDToken = idToken
	}

	record := AccessTokenRecord{Email: principal.Email, ClientID: clientID}
	if err := dispatcher.credentials.PutAccessToken(ctx, hashOpaque(accessToken), record, ttl); err != nil {
		return TokenResponse{}, fmt.Errorf("grant.persist.access_token: %w", err)
	}
	return response, nil
}

func (dispatcher *GrantDispatcher) issueRefreshToken(ctx context.Context, email string, scope string, clientID string) (string, error) {
	opaque, digest, err := generateOpaque()
	if err != nil {
		return "", err
	}
	token := RefreshToken{Email: email, Scope: scope, ClientID: clientID}
	if err := dispatcher.credentials.PutRefreshToken(ctx, digest, token, dispatcher.configuration.RefreshTokenTTL); err != nil {
		return "", fmt.Errorf("grant.persist.refresh_token: %w", err)
	}
	return opaque, nil
}

func (dispatcher *GrantDispatcher) shouldIssueIDToken(scope string) bool {
	if !dispatcher.configuration.IDTokenRequiresOpenIDScope {
		return true
	}
	return hasScope(scope, ScopeOpenID)
}

func (dispatcher *GrantDispatcher) deny(reason string, clientID string) error {
	dispatcher.metrics.Increment(metricTokenDenied)
	dispatcher.logger.Info("grant denied",
		zap.String("code", metricTokenDenied),
		zap.String("reason", reason),
		zap.String("client_id", clientID))
	return ErrUnauthorized
}

func (dispatcher *GrantDispatcher) forbid(email string, clientID string) error {
	dispatcher.metrics.Increment(metricTokenForbidden)
	dispatcher.logger.Warn("grant refused for banned principal",
		zap.String("code", metricTokenForbidden),
		zap.String("principal", email),
		zap.String("client_id", clientID))
	return ErrForbidden
}

func (dispatcher *GrantDispatcher) issued(flow string, principal string, clientID string) {
	dispatcher.metrics.Increment(metricTokenIssued)
	dispatcher.logger.Info("grant issued",
		zap.String("code", metricTokenIssued),
		zap.String("flow", flow),
		zap.String("principal", principal),
		zap.String("client_id", clientID))
}
