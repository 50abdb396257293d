// Package cryptox provides random token generation and fingerprinting
// helpers shared across the handoff service.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Token size constants (in bytes before encoding).
const (
	// TokenSize128 provides 128 bits of entropy (22 chars base64url).
	TokenSize128 = 16
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	TokenSize256 = 32
)

// GenerateToken creates a cryptographically secure random token of the
// specified byte length, returned base64url-encoded without padding.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustGenerateToken is like GenerateToken but panics on error.
// Use this only during initialization or in tests.
func MustGenerateToken(size int) string {
	token, err := GenerateToken(size)
	if err != nil {
		panic(fmt.Sprintf("cryptox: failed to generate token: %v", err))
	}
	return token
}

// Fingerprint returns a deterministic SHA-256 fingerprint of the input,
// base64url-encoded. Used for secret-free composite keys (e.g. rate-limit
// buckets) where the raw input should not appear in shared storage.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(p))
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
