package authkit

import "time"

// Default audiences and channel names used by the game ecosystem.
const (
	DefaultIssuer             = "greenhouse-auth-server"
	DefaultGameServerAudience = "greenhouse-game-server"
	DefaultGameClientAudience = "greenhouse-game-client"
	// NameClaim carries the principal's display name inside access tokens.
	NameClaim = "greenhouse-auth-server:name"
)

// ServerConfig configures issuers, audiences, TTLs, and optional flow behavior.
type ServerConfig struct {
	Issuer               string
	GameServerAudience   string
	GameClientAudience   string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	LoginStateTTL        time.Duration
	// RotateRefreshTokens consumes the presented refresh token and returns a new one on every refresh.
	RotateRefreshTokens bool
	// IDTokenRequiresOpenIDScope restricts ID token issuance to grants carrying the openid scope.
	IDTokenRequiresOpenIDScope bool
}
