package authkit

import "errors"

var (
	// ErrUnauthorized is the uniform denial for bad credentials, unknown flows, and policy violations.
	ErrUnauthorized = errors.New("grant.unauthorized")
	// ErrForbidden indicates the principal was resolved and verified but is banned.
	ErrForbidden = errors.New("grant.forbidden")
	// ErrPrincipalNotFound indicates an administrative lookup of an unknown principal.
	ErrPrincipalNotFound = errors.New("admin.not_found")
	// ErrBadRequest indicates an administrative call is missing required fields.
	ErrBadRequest = errors.New("admin.bad_request")

	// ErrCredentialNotFound indicates no unexpired credential record matched the identifier.
	ErrCredentialNotFound = errors.New("credential_store.not_found")
	// ErrUnsupportedCredentialBackend indicates the configured credential backend is unknown.
	ErrUnsupportedCredentialBackend = errors.New("credential_store.unsupported_backend")

	// ErrUserNotFound indicates no user matched the supplied email.
	ErrUserNotFound = errors.New("user_store.not_found")
)
