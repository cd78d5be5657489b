package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-engine/storage"
)

// Issuer is the issuer URI used by tests
const Issuer = "https://idsvr.test"

// ClientSecret is the shared secret of every confidential fixture client
const ClientSecret = "secret"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

var (
	secretHashOnce sync.Once
	secretHash     string
)

// HashedClientSecret returns a bcrypt hash of ClientSecret, computed once per test binary
func HashedClientSecret() string {
	secretHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(ClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash client secret: %v", err))
		}
		secretHash = string(h)
	})
	return secretHash
}

// SigningKey is an RSA key pair with its public JWK for tests
type SigningKey struct {
	Private   *rsa.PrivateKey
	KeyID     string
	PublicJWK string
}

// NewSigningKey generates a 2048-bit RSA key and its public JWK JSON
func NewSigningKey(t testing.TB) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	kid := GenerateRandomString(16)
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		t.Fatalf("failed to marshal JWK: %v", err)
	}
	return &SigningKey{Private: key, KeyID: kid, PublicJWK: string(raw)}
}

// SignJWT signs claims with the key as an RS256 compact JWS carrying typ and kid headers
func (k *SigningKey) SignJWT(t testing.TB, typ string, claims map[string]any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ)).WithHeader("kid", k.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: k.Private}, opts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	out, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	return out
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// Subject returns an authenticated subject with a session id
func Subject(id, sessionID string) *storage.Subject {
	return &storage.Subject{
		ID:                    id,
		SessionID:             sessionID,
		AuthTime:              time.Now().Add(-time.Minute).Truncate(time.Second),
		IdentityProvider:      "local",
		AuthenticationMethods: []string{"pwd"},
	}
}
