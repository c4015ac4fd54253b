package authkit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewClientRegistryValidation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		clients []Client
		want    error
	}{
		{name: "empty", clients: nil, want: errClientRegistryEmpty},
		{name: "missing id", clients: []Client{{ID: " "}}, want: errClientMissingID},
		{name: "duplicate", clients: []Client{{ID: "a"}, {ID: "a"}}, want: errClientDuplicateID},
		{name: "unknown grant", clients: []Client{{ID: "a", GrantTypes: []string{"device_code"}}}, want: errClientUnknownGrant},
		{name: "redirect grant without uris", clients: []Client{{ID: "a", GrantTypes: []string{GrantTypeAuthorizationCode}}}, want: errClientMissingRedirect},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewClientRegistry(testCase.clients); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestLoadClientRegistryFromYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clients.yaml")
	document := `clients:
  - id: greenhouse-game-client
    secret: publicS3cr3t
    grant_types: [token, authorization_code]
    scopes: [game]
    redirect_uris: ["http://localhost:3000/login/callback"]
    allow_offline: true
  - id: greenhouse-game-server
    secret: s3cr3t
    grant_types: [client_credentials]
    scopes: [server]
`
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatalf("write clients file: %v", err)
	}

	registry, err := LoadClientRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	client, found := registry.Lookup("greenhouse-game-client")
	if !found {
		t.Fatalf("expected game client")
	}
	if !client.AllowOffline || !client.AllowsGrant(GrantTypeImplicit) || !client.AllowsRedirectURI(testGameClientRedirect) {
		t.Fatalf("unexpected client policy %+v", client)
	}
	if _, found := registry.Lookup("postman"); found {
		t.Fatalf("unexpected postman client")
	}
}

func TestLoadClientRegistryExampleFile(t *testing.T) {
	t.Parallel()
	registry, err := LoadClientRegistry(filepath.Join("..", "..", "configs", "clients.example.yaml"))
	if err != nil {
		t.Fatalf("load example registry: %v", err)
	}
	for _, clientID := range []string{"postman", "greenhouse-game-client", "greenhouse-game-server"} {
		if _, found := registry.Lookup(clientID); !found {
			t.Fatalf("expected %s in example registry", clientID)
		}
	}
}

func TestClientRegistryScopes(t *testing.T) {
	t.Parallel()
	registry := newTestClientRegistry(t)
	scopes := registry.Scopes()
	expected := []string{"admin", "game", ScopeOpenID, "server"}
	if strings.Join(scopes, " ") != strings.Join(expected, " ") {
		t.Fatalf("expected %v, got %v", expected, scopes)
	}
	var missing *ClientRegistry
	if missing.Scopes() != nil {
		t.Fatalf("nil registry must report no scopes")
	}
}

func TestLoadClientRegistryMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadClientRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
