package authkit

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	passwordSaltLength = 16
	passwordKeyLength  = 32
	argonTime          = 1
	argonMemoryKiB     = 64 * 1024
	argonThreads       = 4
)

var passwordRandomSource io.Reader = rand.Reader

// HashPassword derives an argon2id hash for password under a fresh random salt.
func HashPassword(password string) (string, string, error) {
	saltBytes := make([]byte, passwordSaltLength)
	if _, err := io.ReadFull(passwordRandomSource, saltBytes); err != nil {
		return "", "", fmt.Errorf("password.salt: %w", err)
	}
	salt := base64.RawStdEncoding.EncodeToString(saltBytes)
	return derivePasswordHash(salt, password), salt, nil
}

// VerifyPassword reports whether password matches the user's stored hash and salt.
func VerifyPassword(user User, password string) bool {
	if !user.HasPassword() {
		return false
	}
	candidate := derivePasswordHash(user.PasswordSalt, password)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(user.PasswordHash)) == 1
}

func derivePasswordHash(salt string, password string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), argonTime, argonMemoryKiB, argonThreads, passwordKeyLength)
	return base64.RawStdEncoding.EncodeToString(key)
}
