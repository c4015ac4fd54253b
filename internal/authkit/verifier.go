package authkit

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// VerifiedBearer is an access token that passed signature, revocation, and ban checks.
type VerifiedBearer struct {
	Claims  jwt.MapClaims
	Subject string
	// Machine is set for client_credentials tokens, which carry no principal.
	Machine bool
	User    User
}

// HasScope reports whether the bearer was granted scope.
func (bearer VerifiedBearer) HasScope(scope string) bool {
	granted, _ := bearer.Claims["scope"].(string)
	return hasScope(granted, scope)
}

// BearerVerifier validates access tokens presented to protected endpoints.
type BearerVerifier struct {
	codec       *TokenCodec
	clients     *ClientRegistry
	users       UserStore
	credentials CredentialStore
	logger      *zap.Logger
	metrics     MetricsRecorder
}

// NewBearerVerifier wires a verifier.
func NewBearerVerifier(codec *TokenCodec, clients *ClientRegistry, users UserStore, credentials CredentialStore, logger *zap.Logger, metrics MetricsRecorder) *BearerVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &BearerVerifier{codec: codec, clients: clients, users: users, credentials: credentials, logger: logger, metrics: metrics}
}

// Verify returns ErrUnauthorized for invalid, expired, or revoked tokens and unknown
// principals, and ErrForbidden for banned principals.
func (verifier *BearerVerifier) Verify(ctx context.Context, token string) (VerifiedBearer, error) {
	claims, err := verifier.codec.Verify(token)
	if err != nil {
		return VerifiedBearer{}, verifier.reject("token", err)
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return VerifiedBearer{}, verifier.reject("subject", nil)
	}

	record, err := verifier.credentials.GetAccessToken(ctx, hashOpaque(token))
	switch {
	case err == nil && record.Revoked:
		return VerifiedBearer{}, verifier.reject("revoked", nil)
	case err != nil && !errors.Is(err, ErrCredentialNotFound):
		return VerifiedBearer{}, fmt.Errorf("verify.access_token.lookup: %w", err)
	}

	if verifier.isMachineToken(claims) {
		verifier.metrics.Increment(metricVerifySuccess)
		return VerifiedBearer{Claims: claims, Subject: subject, Machine: true}, nil
	}

	user, err := verifier.users.GetUserByEmail(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return VerifiedBearer{}, verifier.reject("principal_unknown", nil)
		}
		return VerifiedBearer{}, fmt.Errorf("verify.principal.lookup: %w", err)
	}
	if user.Banned {
		verifier.metrics.Increment(metricVerifyForbidden)
		verifier.logger.Info("bearer refused for banned principal",
			zap.String("code", metricVerifyForbidden),
			zap.String("principal", user.Email))
		return VerifiedBearer{}, ErrForbidden
	}
	verifier.metrics.Increment(metricVerifySuccess)
	return VerifiedBearer{Claims: claims, Subject: subject, User: user}, nil
}

// isMachineToken reports whether the token came from the client_credentials grant: it carries
// no principal name and its audience is a client allowed to use that grant.
func (verifier *BearerVerifier) isMachineToken(claims jwt.MapClaims) bool {
	if _, named := claims[NameClaim]; named {
		return false
	}
	audience, err := claims.GetAudience()
	if err != nil {
		return false
	}
	return slices.ContainsFunc(audience, func(clientID string) bool {
		client, found := verifier.clients.Lookup(clientID)
		return found && client.AllowsGrant(GrantTypeClientCredentials)
	})
}

func (verifier *BearerVerifier) reject(reason string, cause error) error {
	verifier.metrics.Increment(metricVerifyFailure)
	fields := []zap.Field{zap.String("code", metricVerifyFailure), zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	verifier.logger.Debug("bearer rejected", fields...)
	return ErrUnauthorized
}
