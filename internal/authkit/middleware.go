package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerContextKey is the gin context key RequireBearer stores the VerifiedBearer under.
const BearerContextKey = "auth_bearer"

// RequireBearer validates the Authorization bearer token and injects the VerifiedBearer.
func RequireBearer(verifier *BearerVerifier) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token, ok := bearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		bearer, err := verifier.Verify(contextGin.Request.Context(), token)
		if err != nil {
			writeGrantError(contextGin, err)
			return
		}
		contextGin.Set(BearerContextKey, bearer)
		contextGin.Next()
	}
}

// RequireScopes rejects bearers missing any of scopes. It must run after RequireBearer.
func RequireScopes(scopes ...string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		bearer, ok := BearerFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, scope := range scopes {
			if !bearer.HasScope(scope) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "insufficient_scope"})
				return
			}
		}
		contextGin.Next()
	}
}

// BearerFromContext returns the bearer RequireBearer stored on the request.
func BearerFromContext(contextGin *gin.Context) (VerifiedBearer, bool) {
	value, found := contextGin.Get(BearerContextKey)
	if !found {
		return VerifiedBearer{}, false
	}
	bearer, ok := value.(VerifiedBearer)
	return bearer, ok
}

func bearerToken(request *http.Request) (string, bool) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeGrantError maps engine errors onto the uniform HTTP responses.
func writeGrantError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "banned"})
	case errors.Is(err, ErrUnauthorized):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, ErrBadRequest):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
	case errors.Is(err, ErrPrincipalNotFound):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		_ = contextGin.Error(err)
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
