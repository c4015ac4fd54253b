package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

const opaqueByteLength = 32

var opaqueRandomSource io.Reader = rand.Reader

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// generateOpaque returns a random base64url identifier and its storage digest.
func generateOpaque() (string, string, error) {
	randomBytes := make([]byte, opaqueByteLength)
	if _, err := io.ReadFull(opaqueRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("credential_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

// hashOpaque is the storage key for any opaque credential, including signed access tokens.
func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
