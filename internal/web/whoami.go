package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/greenhouse-auth/internal/authkit"
	"go.uber.org/zap"
)

// HandleWhoAmI describes the principal behind the verified bearer. It must run after
// authkit.RequireBearer.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		bearer, found := authkit.BearerFromContext(contextGin)
		if !found {
			logger.Warn("missing bearer on context",
				zap.String("code", "api.me.missing_bearer"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		scope, _ := bearer.Claims["scope"].(string)
		expiresAt, expiryErr := bearer.Claims.GetExpirationTime()
		if expiryErr != nil || expiresAt == nil {
			logger.Warn("bearer without expiry",
				zap.String("code", "api.me.invalid_claims"),
				zap.String("subject", bearer.Subject))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		if bearer.Machine {
			contextGin.JSON(http.StatusOK, gin.H{
				"subject": bearer.Subject,
				"machine": true,
				"scope":   scope,
				"expires": expiresAt.Time,
			})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"subject": bearer.Subject,
			"machine": false,
			"user_id": bearer.User.ID,
			"email":   bearer.User.Email,
			"name":    bearer.User.DisplayName,
			"scope":   scope,
			"expires": expiresAt.Time,
		})
	}
}
