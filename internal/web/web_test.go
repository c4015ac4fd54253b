package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/greenhouse-auth/internal/authkit"
	"go.uber.org/zap"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:3000", "http://localhost:3000/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/auth/token", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/token", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}

	foreign := httptest.NewRecorder()
	foreignRequest := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	foreignRequest.Header.Set("Origin", "https://evil.example")
	router.ServeHTTP(foreign, foreignRequest)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", foreign.Code)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	t.Parallel()
	invalid := [][]string{
		nil,
		{"  "},
		{"*"},
		{"localhost:3000"},
		{"https://example.com/path"},
		{"https://example.com?x=1"},
		{"ftp://example.com"},
	}
	for _, origins := range invalid {
		if _, err := ConfigureCORS(nil, origins); err == nil {
			t.Fatalf("expected error for %v", origins)
		}
	}
}

func serveWhoAmI(bearer *authkit.VerifiedBearer) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(func(contextGin *gin.Context) {
		if bearer != nil {
			contextGin.Set(authkit.BearerContextKey, *bearer)
		}
		contextGin.Next()
	})
	router.GET("/api/me", HandleWhoAmI(zap.NewNop()))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	return recorder
}

func TestHandleWhoAmIUser(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	recorder := serveWhoAmI(&authkit.VerifiedBearer{
		Claims:  jwt.MapClaims{"sub": "player@example.com", "scope": "game", "exp": float64(1700000000)},
		Subject: "player@example.com",
		User:    authkit.User{ID: "user-1", Email: "player@example.com", DisplayName: "Player One"},
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["user_id"] != "user-1" || payload["email"] != "player@example.com" || payload["name"] != "Player One" {
		t.Fatalf("unexpected profile: %v", payload)
	}
	if payload["machine"] != false || payload["scope"] != "game" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["expires"]; !ok {
		t.Fatalf("expected expires in response")
	}
}

func TestHandleWhoAmIMachine(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	recorder := serveWhoAmI(&authkit.VerifiedBearer{
		Claims:  jwt.MapClaims{"sub": "ops-console", "scope": "admin", "exp": float64(1700000000)},
		Subject: "ops-console",
		Machine: true,
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["machine"] != true || payload["subject"] != "ops-console" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["email"]; ok {
		t.Fatalf("machine bearer must not expose a profile")
	}
}

func TestHandleWhoAmIMissingBearer(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	if recorder := serveWhoAmI(nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when bearer missing, got %d", recorder.Code)
	}
	noExpiry := serveWhoAmI(&authkit.VerifiedBearer{Claims: jwt.MapClaims{"sub": "x"}, Subject: "x"})
	if noExpiry.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when expiry missing, got %d", noExpiry.Code)
	}
}

func TestServeDiscovery(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/.well-known/openid-configuration", ServeDiscovery(DiscoveryConfig{
		Issuer:         "greenhouse-auth-server",
		GrantTypes:     []string{"password", "client_credentials"},
		Scopes:         []string{"game", "openid"},
		FederatedLogin: true,
	}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	request.Host = "auth.example.com"
	request.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["issuer"] != "greenhouse-auth-server" {
		t.Fatalf("unexpected issuer: %v", payload["issuer"])
	}
	if payload["jwks_uri"] != "https://auth.example.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks_uri: %v", payload["jwks_uri"])
	}
	if payload["authorization_endpoint"] != "https://auth.example.com/auth/google" {
		t.Fatalf("unexpected authorization endpoint: %v", payload["authorization_endpoint"])
	}
	if _, ok := payload["session_stream_endpoint"]; ok {
		t.Fatalf("session stream must not be advertised when disabled")
	}
}

func TestServeDiscoveryBaseURLOverride(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/.well-known/openid-configuration", ServeDiscovery(DiscoveryConfig{
		Issuer:           "greenhouse-auth-server",
		BaseURL:          "https://login.example.com/",
		SessionStreaming: true,
	}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))

	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["token_endpoint"] != "https://login.example.com/auth/token" {
		t.Fatalf("unexpected token endpoint: %v", payload["token_endpoint"])
	}
	if _, ok := payload["authorization_endpoint"]; ok {
		t.Fatalf("authorization endpoint must be omitted without federated login")
	}
	if payload["session_stream_endpoint"] != "https://login.example.com/auth/session/stream" {
		t.Fatalf("unexpected session stream endpoint: %v", payload["session_stream_endpoint"])
	}
}
