package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultHandleLength is the number of random bytes in a generated handle
const DefaultHandleLength = 32

// GenerateHandle returns a new unguessable handle of DefaultHandleLength random bytes,
// encoded as upper-case hex.
func GenerateHandle() (string, error) {
	return GenerateHandleWithLength(DefaultHandleLength)
}

// GenerateHandleWithLength returns a handle of n random bytes encoded as upper-case hex.
func GenerateHandleWithLength(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("handle length must be at least 16 bytes, got %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Sha256 returns the unpadded base64url SHA-256 digest of s.
func Sha256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashGrantKey derives the storage key for a handle of the given grant type.
func HashGrantKey(handle, grantType string) string {
	return Sha256(handle + ":" + grantType)
}
