package response

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-engine/security"
)

const sessionStateSaltLength = 16

// SessionState computes the OpenID Connect session_state value for a client, the
// origin of its redirect URI and the user's session id. Anonymous users have an empty
// session id and still get a value.
func SessionState(clientID, redirectURI, sessionID string) (string, error) {
	salt, err := security.GenerateHandleWithLength(sessionStateSaltLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate session state salt: %w", err)
	}
	origin, err := Origin(redirectURI)
	if err != nil {
		return "", err
	}
	return ComputeSessionState(clientID, origin, sessionID, salt), nil
}

// ComputeSessionState returns base64url(SHA-256(clientID + origin + sessionID + salt)) + "." + salt.
func ComputeSessionState(clientID, origin, sessionID, salt string) string {
	sum := sha256.Sum256([]byte(clientID + origin + sessionID + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:]) + "." + salt
}

// Origin returns the scheme, host and port of rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("redirect uri %q has no origin", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
