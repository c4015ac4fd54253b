package authkit

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

var (
	errKeyPEMDecode   = errors.New("signing_key.pem_decode")
	errKeyNotRSA      = errors.New("signing_key.not_rsa")
	errKeyUnparseable = errors.New("signing_key.unparseable")
)

// SigningKey is the active RSA private key and its key identifier.
type SigningKey struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// VerificationKey is an RSA public key accepted for verification only.
type VerificationKey struct {
	KeyID     string
	PublicKey *rsa.PublicKey
}

// NewSigningKey derives the key identifier for privateKey.
func NewSigningKey(privateKey *rsa.PrivateKey) (SigningKey, error) {
	if privateKey == nil {
		return SigningKey{}, fmt.Errorf("signing_key.new: %w", errKeyNotRSA)
	}
	keyID, err := deriveKeyID(&privateKey.PublicKey)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{KeyID: keyID, PrivateKey: privateKey}, nil
}

// NewVerificationKey derives the key identifier for publicKey.
func NewVerificationKey(publicKey *rsa.PublicKey) (VerificationKey, error) {
	if publicKey == nil {
		return VerificationKey{}, fmt.Errorf("verification_key.new: %w", errKeyNotRSA)
	}
	keyID, err := deriveKeyID(publicKey)
	if err != nil {
		return VerificationKey{}, err
	}
	return VerificationKey{KeyID: keyID, PublicKey: publicKey}, nil
}

// LoadSigningKey reads a PKCS1 or PKCS8 RSA private key from a PEM file.
func LoadSigningKey(path string) (SigningKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return SigningKey{}, err
	}
	if rsaKey, parseErr := x509.ParsePKCS1PrivateKey(block.Bytes); parseErr == nil {
		return NewSigningKey(rsaKey)
	}
	parsed, parseErr := x509.ParsePKCS8PrivateKey(block.Bytes)
	if parseErr != nil {
		return SigningKey{}, fmt.Errorf("signing_key.load: %w", errKeyUnparseable)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return SigningKey{}, fmt.Errorf("signing_key.load: %w", errKeyNotRSA)
	}
	return NewSigningKey(rsaKey)
}

// LoadVerificationKey reads a PKIX or PKCS1 RSA public key from a PEM file.
func LoadVerificationKey(path string) (VerificationKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return VerificationKey{}, err
	}
	if rsaKey, parseErr := x509.ParsePKCS1PublicKey(block.Bytes); parseErr == nil {
		return NewVerificationKey(rsaKey)
	}
	parsed, parseErr := x509.ParsePKIXPublicKey(block.Bytes)
	if parseErr != nil {
		return VerificationKey{}, fmt.Errorf("verification_key.load: %w", errKeyUnparseable)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return VerificationKey{}, fmt.Errorf("verification_key.load: %w", errKeyNotRSA)
	}
	return NewVerificationKey(rsaKey)
}

func readPEMBlock(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("signing_key.read: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing_key.read: %w", errKeyPEMDecode)
	}
	return block, nil
}

// deriveKeyID computes the RFC 7638 thumbprint of the public key.
func deriveKeyID(publicKey crypto.PublicKey) (string, error) {
	webKey := jose.JSONWebKey{Key: publicKey}
	thumbprint, err := webKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("signing_key.thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
