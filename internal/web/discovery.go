package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DiscoveryConfig contains the values published in the provider metadata document.
type DiscoveryConfig struct {
	Issuer string
	// BaseURL overrides the scheme and host derived from the request.
	BaseURL          string
	GrantTypes       []string
	Scopes           []string
	FederatedLogin   bool
	SessionStreaming bool
}

// ServeDiscovery emits the provider metadata relying parties use to locate the key set
// and endpoints.
func ServeDiscovery(configuration DiscoveryConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		baseURL := strings.TrimSuffix(strings.TrimSpace(configuration.BaseURL), "/")
		if baseURL == "" {
			host := contextGin.Request.Host
			if host == "" {
				host = "localhost"
			}
			baseURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
		}

		document := gin.H{
			"issuer":                                configuration.Issuer,
			"jwks_uri":                              baseURL + "/.well-known/jwks.json",
			"token_endpoint":                        baseURL + "/auth/token",
			"revocation_endpoint":                   baseURL + "/auth/revoke",
			"introspection_endpoint":                baseURL + "/auth/token/verify",
			"grant_types_supported":                 configuration.GrantTypes,
			"scopes_supported":                      configuration.Scopes,
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
		}
		if configuration.FederatedLogin {
			document["authorization_endpoint"] = baseURL + "/auth/google"
			document["response_types_supported"] = []string{"code", "token"}
		}
		if configuration.SessionStreaming {
			document["session_stream_endpoint"] = baseURL + "/auth/session/stream"
		}

		contextGin.Header("Cache-Control", "public, max-age=300")
		contextGin.Header("X-Content-Type-Options", "nosniff")
		contextGin.JSON(http.StatusOK, document)
	}
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}
