package validation

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

// PKCE methods (RFC 7636)
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

var supportedCodeChallengeMethods = []string{CodeChallengeMethodPlain, CodeChallengeMethodS256}

// codeVerifierPattern is the unreserved character set of RFC 7636 section 4.1
var codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// transformCodeVerifier applies the challenge method to a verifier.
func transformCodeVerifier(verifier, method string) string {
	if method == CodeChallengeMethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return verifier
}

// codeVerifierMatches compares in constant time.
func codeVerifierMatches(verifier, challenge, method string) bool {
	transformed := transformCodeVerifier(verifier, method)
	return subtle.ConstantTimeCompare([]byte(transformed), []byte(challenge)) == 1
}
