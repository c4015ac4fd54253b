package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid covers bad signatures, unknown keys, wrong issuers, and malformed tokens.
	ErrTokenInvalid = errors.New("token_codec.invalid")
	// ErrTokenExpired indicates the token's exp claim has passed.
	ErrTokenExpired = errors.New("token_codec.expired")

	errCodecMissingIssuer  = errors.New("token_codec.missing_issuer")
	errCodecMissingKey     = errors.New("token_codec.missing_signing_key")
	errCodecMissingSubject = errors.New("token_codec.missing_subject")
	errCodecInvalidTTL     = errors.New("token_codec.invalid_ttl")
)

const signingAlgorithm = "RS256"

// TokenCodec signs and verifies RS256 tokens for a single issuer.
type TokenCodec struct {
	issuer           string
	signingKey       SigningKey
	verificationKeys map[string]VerificationKey
	keyOrder         []string
	clock            Clock
}

// NewTokenCodec builds a codec signing with signingKey. The signing key's public half is
// always accepted for verification; additional keys are accepted for verification only.
func NewTokenCodec(issuer string, signingKey SigningKey, clock Clock, additional ...VerificationKey) (*TokenCodec, error) {
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("token_codec.new: %w", errCodecMissingIssuer)
	}
	if signingKey.PrivateKey == nil || signingKey.KeyID == "" {
		return nil, fmt.Errorf("token_codec.new: %w", errCodecMissingKey)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	codec := &TokenCodec{
		issuer:           issuer,
		signingKey:       signingKey,
		verificationKeys: make(map[string]VerificationKey, len(additional)+1),
		clock:            clock,
	}
	codec.addVerificationKey(VerificationKey{KeyID: signingKey.KeyID, PublicKey: &signingKey.PrivateKey.PublicKey})
	for _, key := range additional {
		if key.PublicKey == nil || key.KeyID == "" {
			continue
		}
		codec.addVerificationKey(key)
	}
	return codec, nil
}

func (codec *TokenCodec) addVerificationKey(key VerificationKey) {
	if _, exists := codec.verificationKeys[key.KeyID]; exists {
		return
	}
	codec.verificationKeys[key.KeyID] = key
	codec.keyOrder = append(codec.keyOrder, key.KeyID)
}

// Issuer returns the iss value stamped on every token.
func (codec *TokenCodec) Issuer() string {
	return codec.issuer
}

// Issue signs a token for subject and audience carrying claims. Standard fields always
// win over caller-supplied claims of the same name.
func (codec *TokenCodec) Issue(subject string, audience string, claims map[string]any, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("token_codec.issue: %w", errCodecMissingSubject)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token_codec.issue: %w", errCodecInvalidTTL)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)

	mapClaims := jwt.MapClaims{}
	for name, value := range claims {
		mapClaims[name] = value
	}
	mapClaims["sub"] = subject
	mapClaims["aud"] = audience
	mapClaims["iss"] = codec.issuer
	mapClaims["iat"] = jwt.NewNumericDate(issuedAt)
	mapClaims["exp"] = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = codec.signingKey.KeyID
	signed, err := token.SignedString(codec.signingKey.PrivateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token_codec.issue: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer, and expiry. Audience and revocation are left to the caller.
// iat is not compared with the local clock, so tokens minted by a peer running slightly ahead verify.
func (codec *TokenCodec) Verify(tokenString string) (jwt.MapClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token_codec.verify: %w", ErrTokenInvalid)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, codec.lookupKey,
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token_codec.verify: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token_codec.verify: %w", ErrTokenInvalid)
	}
	if parsed == nil || !parsed.Valid {
		return nil, fmt.Errorf("token_codec.verify: %w", ErrTokenInvalid)
	}
	return claims, nil
}

func (codec *TokenCodec) lookupKey(token *jwt.Token) (interface{}, error) {
	keyID, _ := token.Header["kid"].(string)
	key, ok := codec.verificationKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("token_codec.unknown_kid: %q", keyID)
	}
	return key.PublicKey, nil
}

// KeySet returns the public keys as a JSON Web Key Set, active key first.
func (codec *TokenCodec) KeySet() jose.JSONWebKeySet {
	keySet := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(codec.keyOrder))}
	for _, keyID := range codec.keyOrder {
		key := codec.verificationKeys[keyID]
		keySet.Keys = append(keySet.Keys, jose.JSONWebKey{
			Key:       key.PublicKey,
			KeyID:     key.KeyID,
			Algorithm: signingAlgorithm,
			Use:       "sig",
		})
	}
	return keySet
}
