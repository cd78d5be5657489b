package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
)

// Data protection purposes. Ciphertext is bound to the purpose it was produced for.
const (
	PurposePersistedGrant      = "oidc.persisted_grant"
	PurposePushedAuthorization = "oidc.pushed_authorization"
)

// ErrDecryptionFailed is returned when ciphertext cannot be authenticated
var ErrDecryptionFailed = errors.New("failed to decrypt protected data")

// Encryptor protects data at rest using AES-256-GCM.
type Encryptor struct {
	gcm     cipher.AEAD
	enabled bool

	instrumentation *instrumentation.Instrumentation
}

// NewEncryptor creates a new encryptor.
// If key is nil or empty, encryption is disabled and Protect returns its input encoded.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{
		gcm:     gcm,
		enabled: true,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for encryption metrics
func (e *Encryptor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
}

// Protect encrypts plaintext for purpose and returns base64url ciphertext in the
// format [nonce][ciphertext]. With encryption disabled the plaintext is only encoded.
func (e *Encryptor) Protect(purpose string, plaintext []byte) (string, error) {
	if !e.enabled {
		return base64.RawURLEncoding.EncodeToString(plaintext), nil
	}
	defer e.record("protect", time.Now())

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce, producing [nonce][ciphertext].
	ciphertext := e.gcm.Seal(nonce, nonce, plaintext, []byte(purpose))
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Unprotect reverses Protect. It fails with ErrDecryptionFailed when the data was
// tampered with or protected for a different purpose.
func (e *Encryptor) Unprotect(purpose string, encoded string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode protected data: %w", err)
	}
	if !e.enabled {
		return data, nil
	}
	defer e.record("unprotect", time.Now())

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

func (e *Encryptor) record(operation string, start time.Time) {
	if e.instrumentation == nil {
		return
	}
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	e.instrumentation.Metrics().RecordEncryptionOperation(context.Background(), operation, ms)
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
