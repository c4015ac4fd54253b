package authkit

import (
	"crypto/subtle"
	"strings"
)

// AuthorizationRequest is the normalized subset of an inbound request the policy check needs.
type AuthorizationRequest struct {
	ResponseType string `json:"response_type,omitempty" form:"response_type"`
	GrantType    string `json:"grant_type,omitempty" form:"grant_type"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" form:"client_secret"`
	Scope        string `json:"scope" form:"scope"`
	RedirectURI  string `json:"redirect_uri,omitempty" form:"redirect_uri"`
	AccessType   string `json:"access_type,omitempty" form:"access_type"`
	State        string `json:"state,omitempty" form:"state"`
}

// Names of the authorizer rules, reported to logs only.
const (
	ruleFlow         = "flow"
	ruleClient       = "client"
	ruleOffline      = "offline"
	ruleGrant        = "grant"
	ruleRedirectURI  = "redirect_uri"
	ruleClientSecret = "client_secret"
	ruleScope        = "scope"
)

// GrantAuthorizer checks requests against the client policy store.
type GrantAuthorizer struct {
	clients *ClientRegistry
}

// NewGrantAuthorizer binds an authorizer to a client registry.
func NewGrantAuthorizer(clients *ClientRegistry) GrantAuthorizer {
	return GrantAuthorizer{clients: clients}
}

// Authorize reports whether the request is permitted for its client.
func (authorizer GrantAuthorizer) Authorize(request AuthorizationRequest) bool {
	allowed, _ := authorizer.evaluate(request)
	return allowed
}

// evaluate applies the rules in order and names the first one that failed.
func (authorizer GrantAuthorizer) evaluate(request AuthorizationRequest) (bool, string) {
	grantName, recognized := requestedGrant(request)
	if !recognized {
		return false, ruleFlow
	}

	client, found := authorizer.clients.Lookup(request.ClientID)
	if !found {
		return false, ruleClient
	}

	if request.AccessType == AccessTypeOffline && !client.AllowOffline {
		return false, ruleOffline
	}

	if !client.AllowsGrant(grantName) {
		return false, ruleGrant
	}

	if isRedirectFlow(request) && !client.AllowsRedirectURI(request.RedirectURI) {
		return false, ruleRedirectURI
	}

	if requiresClientSecret(request) && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(request.ClientSecret)) != 1 {
		return false, ruleClientSecret
	}

	scopes, parsed := parseScope(request.Scope)
	if !parsed {
		return false, ruleScope
	}
	for _, scope := range scopes {
		if !client.AllowsScope(scope) {
			return false, ruleScope
		}
	}
	return true, ""
}

// requestedGrant maps the request to the client policy grant name. Exactly one of
// response_type and grant_type must be present.
func requestedGrant(request AuthorizationRequest) (string, bool) {
	hasResponseType := request.ResponseType != ""
	hasGrantType := request.GrantType != ""
	if hasResponseType == hasGrantType {
		return "", false
	}
	if hasResponseType {
		switch request.ResponseType {
		case ResponseTypeToken:
			return GrantTypeImplicit, true
		case ResponseTypeCode:
			return GrantTypeAuthorizationCode, true
		default:
			return "", false
		}
	}
	switch request.GrantType {
	case GrantTypePassword, GrantTypeAuthorizationCode, GrantTypeClientCredentials:
		return request.GrantType, true
	default:
		return "", false
	}
}

func isRedirectFlow(request AuthorizationRequest) bool {
	return request.ResponseType == ResponseTypeToken ||
		request.ResponseType == ResponseTypeCode ||
		request.GrantType == GrantTypeAuthorizationCode
}

func requiresClientSecret(request AuthorizationRequest) bool {
	switch request.GrantType {
	case GrantTypePassword, GrantTypeClientCredentials, GrantTypeAuthorizationCode:
		return true
	default:
		return false
	}
}

// parseScope splits a space-delimited scope; empty input or empty members do not parse.
func parseScope(scope string) ([]string, bool) {
	if scope == "" {
		return nil, false
	}
	scopes := strings.Split(scope, " ")
	for _, value := range scopes {
		if value == "" {
			return nil, false
		}
	}
	return scopes, true
}

func hasScope(scope string, wanted string) bool {
	scopes, parsed := parseScope(scope)
	if !parsed {
		return false
	}
	for _, value := range scopes {
		if value == wanted {
			return true
		}
	}
	return false
}
