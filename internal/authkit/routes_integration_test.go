package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type stubIdentityProvider struct {
	identities map[string]ExternalIdentity
}

func (provider *stubIdentityProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.test/auth?state=" + url.QueryEscape(state)
}

func (provider *stubIdentityProvider) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	identity, ok := provider.identities[code]
	if !ok {
		return ExternalIdentity{}, ErrFederatedExchange
	}
	return identity, nil
}

type routeFixture struct {
	*engineFixture
	router   *gin.Engine
	identity *stubIdentityProvider
}

func newRouteFixture(t *testing.T, configure func(*ServerConfig)) *routeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := newEngineFixture(t, configure)
	identity := &stubIdentityProvider{identities: map[string]ExternalIdentity{
		"google-code": {Subject: "google-sub", Email: testUserEmail, DisplayName: "Federated Player"},
	}}
	router := gin.New()
	MountAuthRoutes(router, RouteDependencies{
		Dispatcher:  engine.dispatcher,
		Verifier:    engine.verifier,
		Admin:       engine.admin,
		Codec:       engine.codec,
		Users:       engine.users,
		Identity:    identity,
		LoginStates: NewMemoryLoginStateStore(engine.configuration.LoginStateTTL),
		Sessions:    engine.sessions,
		Logger:      zaptest.NewLogger(t),
		Metrics:     engine.metrics,
	})
	return &routeFixture{engineFixture: engine, router: router, identity: identity}
}

func (fixture *routeFixture) serve(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *routeFixture) postForm(path string, values url.Values, bearer string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	return fixture.serve(request)
}

func (fixture *routeFixture) postJSON(path string, body any, bearer string) *httptest.ResponseRecorder {
	encoded, _ := json.Marshal(body)
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	return fixture.serve(request)
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func postmanPasswordForm(password string, secret string) url.Values {
	return url.Values{
		"grant_type":    {GrantTypePassword},
		"username":      {testUserEmail},
		"password":      {password},
		"client_id":     {"postman"},
		"client_secret": {secret},
		"scope":         {"game"},
	}
}

func (fixture *routeFixture) adminToken(t *testing.T) string {
	t.Helper()
	recorder := fixture.postForm("/auth/token", url.Values{
		"grant_type":    {GrantTypeClientCredentials},
		"client_id":     {"postman"},
		"client_secret": {"s3cr3t"},
		"scope":         {"admin"},
		"resource":      {"ops-console"},
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin token: status %d body %s", recorder.Code, recorder.Body.String())
	}
	return decodeJSON(t, recorder)["access_token"].(string)
}

func TestTokenEndpointPasswordExample(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	fixture.registerPasswordUser(t, testUserEmail, testUserPassword)

	recorder := fixture.postForm("/auth/token", postmanPasswordForm(testUserPassword, "s3cr3t"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON(t, recorder)
	for _, field := range []string{"access_token", "id_token", "expires_in", "token_type"} {
		if _, ok := payload[field]; !ok {
			t.Fatalf("missing %s in %v", field, payload)
		}
	}
	if _, ok := payload["refresh_token"]; ok {
		t.Fatalf("password grant must not return refresh_token")
	}
	if payload["token_type"] != "Bearer" || payload["expires_in"] != float64(3600) {
		t.Fatalf("unexpected payload %v", payload)
	}
	if recorder.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("token responses must not be cached")
	}

	jsonRecorder := fixture.postJSON("/auth/token", map[string]string{
		"grant_type":    GrantTypePassword,
		"username":      testUserEmail,
		"password":      testUserPassword,
		"client_id":     "postman",
		"client_secret": "s3cr3t",
		"scope":         "game",
	}, "")
	if jsonRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for JSON body, got %d", jsonRecorder.Code)
	}
}

func TestTokenEndpointFailuresAreIndistinguishable(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	fixture.registerPasswordUser(t, testUserEmail, testUserPassword)

	wrongSecret := fixture.postForm("/auth/token", postmanPasswordForm(testUserPassword, "wrong"), "")
	wrongPassword := fixture.postForm("/auth/token", postmanPasswordForm("nope", "s3cr3t"), "")
	unknownGrant := fixture.postForm("/auth/token", url.Values{"grant_type": {"device_code"}}, "")

	for name, recorder := range map[string]*httptest.ResponseRecorder{
		"wrong secret":   wrongSecret,
		"wrong password": wrongPassword,
		"unknown grant":  unknownGrant,
	} {
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, recorder.Code)
		}
		if recorder.Body.String() != wrongSecret.Body.String() {
			t.Fatalf("%s: body %q differs from %q", name, recorder.Body.String(), wrongSecret.Body.String())
		}
	}

	if err := fixture.admin.Ban(context.Background(), testUserEmail); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned := fixture.postForm("/auth/token", postmanPasswordForm(testUserPassword, "s3cr3t"), "")
	if banned.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for banned principal, got %d", banned.Code)
	}
}

func startFederatedLogin(t *testing.T, fixture *routeFixture, query url.Values) string {
	t.Helper()
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google?"+query.Encode(), nil))
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302 from /auth/google, got %d: %s", recorder.Code, recorder.Body.String())
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse provider redirect: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" || state == query.Get("state") {
		t.Fatalf("expected an opaque login state, got %q", state)
	}
	return state
}

func federatedQuery(responseType string) url.Values {
	return url.Values{
		"response_type": {responseType},
		"client_id":     {"greenhouse-game-client"},
		"redirect_uri":  {testGameClientRedirect},
		"scope":         {"game"},
		"state":         {"client-state"},
		"access_type":   {AccessTypeOffline},
	}
}

func TestFederatedAuthorizationCodeFlow(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	state := startFederatedLogin(t, fixture, federatedQuery(ResponseTypeCode))

	callback := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=google-code", nil))
	if callback.Code != http.StatusFound {
		t.Fatalf("expected 302 from callback, got %d: %s", callback.Code, callback.Body.String())
	}
	clientRedirect, err := url.Parse(callback.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse client redirect: %v", err)
	}
	if clientRedirect.Query().Get("state") != "client-state" {
		t.Fatalf("client state not echoed: %s", clientRedirect)
	}
	code := clientRedirect.Query().Get("code")

	exchange := fixture.postForm("/auth/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {"greenhouse-game-client"},
		"client_secret": {"publicS3cr3t"},
		"redirect_uri":  {testGameClientRedirect},
	}, "")
	if exchange.Code != http.StatusOK {
		t.Fatalf("expected 200 from exchange, got %d: %s", exchange.Code, exchange.Body.String())
	}
	if decodeJSON(t, exchange)["refresh_token"] == nil {
		t.Fatalf("expected refresh_token for offline access")
	}

	replayedCallback := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=google-code", nil))
	if replayedCallback.Code != http.StatusUnauthorized {
		t.Fatalf("expected login state to be single use, got %d", replayedCallback.Code)
	}
	if _, err := fixture.users.GetUserByEmail(context.Background(), testUserEmail); err != nil {
		t.Fatalf("federated user not persisted: %v", err)
	}
}

func TestFederatedImplicitFlow(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	state := startFederatedLogin(t, fixture, federatedQuery(ResponseTypeToken))

	callback := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=google-code", nil))
	if callback.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", callback.Code)
	}
	clientRedirect, _ := url.Parse(callback.Header().Get("Location"))
	if clientRedirect.Query().Get("access_token") == "" || clientRedirect.Query().Get("id_token") == "" {
		t.Fatalf("expected tokens in redirect %s", clientRedirect)
	}
}

func TestFederatedLoginRejections(t *testing.T) {
	fixture := newRouteFixture(t, nil)

	unknownClient := federatedQuery(ResponseTypeCode)
	unknownClient.Set("client_id", "stranger")
	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google?"+unknownClient.Encode(), nil)); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown client, got %d", recorder.Code)
	}
	foreignRedirect := federatedQuery(ResponseTypeCode)
	foreignRedirect.Set("redirect_uri", "https://evil.example.com/cb")
	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google?"+foreignRedirect.Encode(), nil)); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign redirect, got %d", recorder.Code)
	}

	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state=forged&code=google-code", nil)); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged state, got %d", recorder.Code)
	}

	declined := startFederatedLogin(t, fixture, federatedQuery(ResponseTypeCode))
	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(declined)+"&error=access_denied", nil)); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when provider declines, got %d", recorder.Code)
	}

	badCode := startFederatedLogin(t, fixture, federatedQuery(ResponseTypeCode))
	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(badCode)+"&code=bogus", nil)); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected provider code, got %d", recorder.Code)
	}
	if fixture.metrics.Count(metricFederatedFailure) != 2 {
		t.Fatalf("expected two federated failures, got %d", fixture.metrics.Count(metricFederatedFailure))
	}

	fixture.federatedUser(t, testUserEmail)
	if err := fixture.admin.Ban(context.Background(), testUserEmail); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned := startFederatedLogin(t, fixture, federatedQuery(ResponseTypeCode))
	if recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(banned)+"&code=google-code", nil)); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for banned principal, got %d", recorder.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	fixture.registerPasswordUser(t, testUserEmail, testUserPassword)
	token := decodeJSON(t, fixture.postForm("/auth/token", postmanPasswordForm(testUserPassword, "s3cr3t"), ""))["access_token"].(string)

	verified := fixture.postForm("/auth/token/verify", nil, token)
	if verified.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", verified.Code)
	}
	claims := decodeJSON(t, verified)
	if claims["sub"] != testUserEmail || claims["scope"] != "game" {
		t.Fatalf("unexpected claims %v", claims)
	}

	if recorder := fixture.postForm("/auth/token/verify", nil, ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", recorder.Code)
	}
	basic := httptest.NewRequest(http.MethodPost, "/auth/token/verify", nil)
	basic.Header.Set("Authorization", "Basic "+token)
	if recorder := fixture.serve(basic); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", recorder.Code)
	}

	if err := fixture.admin.Ban(context.Background(), testUserEmail); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if recorder := fixture.postForm("/auth/token/verify", nil, token); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after ban, got %d", recorder.Code)
	}
}

func TestPrivateRoutesRequireAdminScope(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	adminToken := fixture.adminToken(t)

	register := fixture.postJSON("/private/register", map[string]string{
		"username": testUserEmail,
		"name":     "Player One",
		"password": testUserPassword,
	}, adminToken)
	if register.Code != http.StatusOK {
		t.Fatalf("expected 200 from register, got %d: %s", register.Code, register.Body.String())
	}
	if decodeJSON(t, register)["email"] != testUserEmail {
		t.Fatalf("unexpected register payload %s", register.Body.String())
	}

	gameToken := decodeJSON(t, fixture.postForm("/auth/token", postmanPasswordForm(testUserPassword, "s3cr3t"), ""))["access_token"].(string)
	if recorder := fixture.postJSON("/private/ban", map[string]string{"email": testUserEmail}, gameToken); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin scope, got %d", recorder.Code)
	}
	if recorder := fixture.postJSON("/private/register", map[string]string{"username": "x@example.com"}, adminToken); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete registration, got %d", recorder.Code)
	}
	if recorder := fixture.postJSON("/private/ban", map[string]string{}, adminToken); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", recorder.Code)
	}
	if recorder := fixture.postJSON("/private/ban", map[string]string{"email": "ghost@example.com"}, adminToken); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown principal, got %d", recorder.Code)
	}

	if recorder := fixture.postJSON("/private/ban", map[string]string{"email": testUserEmail}, adminToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from ban, got %d", recorder.Code)
	}
	if recorder := fixture.postForm("/auth/token/verify", nil, gameToken); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after ban, got %d", recorder.Code)
	}
	if recorder := fixture.postJSON("/private/unban", map[string]string{"email": testUserEmail}, adminToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from unban, got %d", recorder.Code)
	}
	if recorder := fixture.postForm("/auth/token/verify", nil, gameToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 after unban, got %d", recorder.Code)
	}
}

func TestKeySetEndpoint(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	keys, ok := decodeJSON(t, recorder)["keys"].([]any)
	if !ok || len(keys) != 1 {
		t.Fatalf("unexpected key set %s", recorder.Body.String())
	}
	key := keys[0].(map[string]any)
	if key["kty"] != "RSA" || key["kid"] != fixture.codec.KeySet().Keys[0].KeyID || key["d"] != nil {
		t.Fatalf("unexpected published key %v", key)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	fixture := newRouteFixture(t, nil)
	principal := fixture.federatedUser(t, testUserEmail)
	code := issueCode(t, fixture.engineFixture, principal, AccessTypeOffline)
	response, err := fixture.dispatcher.Exchange(context.Background(), codeExchange(code))
	if err != nil {
		t.Fatalf("code exchange: %v", err)
	}

	denied := fixture.postForm("/auth/revoke", url.Values{
		"token":         {response.RefreshToken},
		"client_id":     {"greenhouse-game-client"},
		"client_secret": {"wrong"},
	}, "")
	if denied.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad client secret, got %d", denied.Code)
	}

	revoked := fixture.postForm("/auth/revoke", url.Values{
		"token":         {response.RefreshToken},
		"client_id":     {"greenhouse-game-client"},
		"client_secret": {"publicS3cr3t"},
	}, "")
	if revoked.Code != http.StatusOK {
		t.Fatalf("expected 200 from revoke, got %d", revoked.Code)
	}
	refresh := fixture.postForm("/auth/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {response.RefreshToken},
	}, "")
	if refresh.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked refresh token, got %d", refresh.Code)
	}
}
