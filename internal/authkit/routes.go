package authkit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/greenhouse-auth/internal/revocation"
	"go.uber.org/zap"
)

const defaultSessionHeartbeat = 15 * time.Second

// RouteDependencies groups the services the HTTP surface delegates to.
type RouteDependencies struct {
	Dispatcher *GrantDispatcher
	Verifier   *BearerVerifier
	Admin      *AdminService
	Codec      *TokenCodec
	Users      UserStore
	// Identity and LoginStates enable the /auth/google routes when both are set.
	Identity    FederatedIdentityProvider
	LoginStates LoginStateStore
	// Sessions enables /auth/session/stream when set.
	Sessions         *revocation.SessionRegistry
	SessionHeartbeat time.Duration
	Logger           *zap.Logger
	Metrics          MetricsRecorder
}

type authRoutes struct {
	RouteDependencies
}

// MountAuthRoutes registers the token, verification, admin, session, and key set endpoints.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) {
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	if dependencies.SessionHeartbeat <= 0 {
		dependencies.SessionHeartbeat = defaultSessionHeartbeat
	}
	routes := &authRoutes{RouteDependencies: dependencies}
	requireBearer := RequireBearer(dependencies.Verifier)

	if dependencies.Identity != nil && dependencies.LoginStates != nil {
		router.GET("/auth/google", routes.handleFederatedStart)
		router.GET("/auth/google/callback", routes.handleFederatedCallback)
	}
	router.POST("/auth/token", routes.handleToken)
	router.POST("/auth/token/verify", requireBearer, routes.handleVerify)
	router.POST("/auth/revoke", routes.handleRevoke)
	if dependencies.Sessions != nil {
		router.GET("/auth/session/stream", requireBearer, routes.handleSessionStream)
	}
	router.GET("/.well-known/jwks.json", routes.handleKeySet)

	private := router.Group("/private", requireBearer, RequireScopes(ScopeAdmin))
	private.POST("/register", routes.handleRegister)
	private.POST("/ban", routes.handleBan)
	private.POST("/unban", routes.handleUnban)
}

func (routes *authRoutes) handleFederatedStart(contextGin *gin.Context) {
	var pending AuthorizationRequest
	if err := contextGin.ShouldBindQuery(&pending); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pending.GrantType = ""
	pending.ClientSecret = ""
	if pending.ResponseType == "" || !routes.Dispatcher.Authorize(pending) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	state, err := routes.LoginStates.Issue(contextGin.Request.Context(), pending)
	if err != nil {
		routes.fail(contextGin, "auth.google.state_issue", err)
		return
	}
	contextGin.Redirect(http.StatusFound, routes.Identity.AuthCodeURL(state))
}

func (routes *authRoutes) handleFederatedCallback(contextGin *gin.Context) {
	pending, err := routes.LoginStates.Consume(contextGin.Request.Context(), contextGin.Query("state"))
	if err != nil {
		routes.Logger.Info("login state rejected",
			zap.String("code", "auth.google.state_invalid"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_state"})
		return
	}
	if providerError := contextGin.Query("error"); providerError != "" {
		routes.Metrics.Increment(metricFederatedFailure)
		routes.Logger.Info("identity provider declined login",
			zap.String("code", metricFederatedFailure),
			zap.String("provider_error", providerError))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access_denied"})
		return
	}

	identity, err := routes.Identity.Exchange(contextGin.Request.Context(), contextGin.Query("code"))
	if err != nil {
		routes.Metrics.Increment(metricFederatedFailure)
		routes.Logger.Warn("federated exchange failed",
			zap.String("code", metricFederatedFailure),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_identity"})
		return
	}
	principal, err := routes.Users.UpsertFederatedUser(contextGin.Request.Context(), identity)
	if err != nil {
		routes.fail(contextGin, "auth.google.upsert", err)
		return
	}
	routes.Metrics.Increment(metricFederatedLogin)

	location, err := routes.Dispatcher.AuthorizeRedirect(contextGin.Request.Context(), principal, pending)
	if err != nil {
		routes.fail(contextGin, "auth.google.authorize", err)
		return
	}
	contextGin.Redirect(http.StatusFound, location)
}

func (routes *authRoutes) handleToken(contextGin *gin.Context) {
	var request TokenRequest
	if err := contextGin.ShouldBind(&request); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	response, err := routes.Dispatcher.Exchange(contextGin.Request.Context(), request)
	if err != nil {
		routes.fail(contextGin, "auth.token", err)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Header("Pragma", "no-cache")
	contextGin.JSON(http.StatusOK, response)
}

func (routes *authRoutes) handleVerify(contextGin *gin.Context) {
	bearer, _ := BearerFromContext(contextGin)
	contextGin.JSON(http.StatusOK, bearer.Claims)
}

func (routes *authRoutes) handleRevoke(contextGin *gin.Context) {
	var request RevocationRequest
	if err := contextGin.ShouldBind(&request); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := routes.Dispatcher.Revoke(contextGin.Request.Context(), request); err != nil {
		routes.fail(contextGin, "auth.revoke", err)
		return
	}
	contextGin.Status(http.StatusOK)
}

func (routes *authRoutes) handleSessionStream(contextGin *gin.Context) {
	bearer, _ := BearerFromContext(contextGin)
	sessionContext, closeSession := routes.Sessions.Open(contextGin.Request.Context(), bearer.Subject)
	defer closeSession()
	routes.Metrics.Increment(metricSessionOpened)

	heartbeat := time.NewTicker(routes.SessionHeartbeat)
	defer heartbeat.Stop()

	contextGin.Header("Cache-Control", "no-cache")
	contextGin.Header("X-Accel-Buffering", "no")
	opened := false
	contextGin.Stream(func(writer io.Writer) bool {
		if !opened {
			opened = true
			contextGin.SSEvent("session", gin.H{"sub": bearer.Subject})
			return true
		}
		select {
		case <-sessionContext.Done():
			if errors.Is(context.Cause(sessionContext), revocation.ErrSessionRevoked) {
				routes.Metrics.Increment(metricSessionTerminated)
				routes.Logger.Info("session terminated",
					zap.String("code", metricSessionTerminated),
					zap.String("principal", bearer.Subject))
				contextGin.SSEvent("revoked", gin.H{"reason": "banned"})
			}
			if errors.Is(context.Cause(sessionContext), revocation.ErrSessionsClosed) {
				contextGin.SSEvent("closed", gin.H{"reason": "shutdown"})
			}
			return false
		case tick := <-heartbeat.C:
			contextGin.SSEvent("heartbeat", tick.Unix())
			return true
		}
	})
}

func (routes *authRoutes) handleKeySet(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "public, max-age=300")
	contextGin.JSON(http.StatusOK, routes.Codec.KeySet())
}

func (routes *authRoutes) handleRegister(contextGin *gin.Context) {
	var request RegistrationRequest
	if err := contextGin.ShouldBind(&request); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	user, err := routes.Admin.Register(contextGin.Request.Context(), request)
	if err != nil {
		routes.fail(contextGin, "private.register", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"id":     user.ID,
		"email":  user.Email,
		"name":   user.DisplayName,
		"banned": user.Banned,
	})
}

type principalRequest struct {
	Email string `json:"email" form:"email"`
}

func (routes *authRoutes) handleBan(contextGin *gin.Context) {
	var request principalRequest
	if err := contextGin.ShouldBind(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := routes.Admin.Ban(contextGin.Request.Context(), request.Email); err != nil {
		routes.fail(contextGin, "private.ban", err)
		return
	}
	contextGin.Status(http.StatusOK)
}

func (routes *authRoutes) handleUnban(contextGin *gin.Context) {
	var request principalRequest
	if err := contextGin.ShouldBind(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := routes.Admin.Unban(contextGin.Request.Context(), request.Email); err != nil {
		routes.fail(contextGin, "private.unban", err)
		return
	}
	contextGin.Status(http.StatusOK)
}

// fail logs unexpected errors and writes the mapped response.
func (routes *authRoutes) fail(contextGin *gin.Context, code string, err error) {
	if !isClientError(err) {
		routes.Logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeGrantError(contextGin, err)
}

func isClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrPrincipalNotFound)
}
