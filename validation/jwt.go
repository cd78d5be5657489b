package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oidc-engine/storage"
)

// SupportedSigningAlgorithms are accepted on request objects, client assertions and
// identity token hints.
var SupportedSigningAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

var (
	errNoValidationKeys   = errors.New("no validation keys")
	errSignatureMismatch  = errors.New("no key verified the signature")
	errMissingExpiration  = errors.New("exp claim is required")
	errMissingJWTID       = errors.New("jti claim is required")
	errUnexpectedJWTType  = errors.New("unexpected typ header")
	errNestedRequestParam = errors.New("request object must not contain request or request_uri")
)

// verifiedJWT is a JWS whose signature was checked against one of the candidate keys
type verifiedJWT struct {
	Claims  jwt.Claims
	Payload map[string]any
	Type    string
}

// clientJSONWebKeys decodes the unexpired JWK secrets of a client.
// Secrets that are not valid public keys are skipped.
func clientJSONWebKeys(client *storage.Client, now time.Time) []jose.JSONWebKey {
	var keys []jose.JSONWebKey
	for _, s := range client.SecretsOfType(storage.SecretTypeJSONWebKey, now) {
		var key jose.JSONWebKey
		if err := json.Unmarshal([]byte(s.Value), &key); err != nil {
			continue
		}
		if !key.Valid() || !key.IsPublic() {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// verifyJWT checks the signature of raw with the key whose kid matches the header, or
// with every candidate when the header has no kid.
func verifyJWT(raw string, keys []jose.JSONWebKey) (*verifiedJWT, error) {
	if len(keys) == 0 {
		return nil, errNoValidationKeys
	}
	tok, err := jwt.ParseSigned(raw, SupportedSigningAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwt: %w", err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("expected one signature, got %d", len(tok.Headers))
	}
	header := tok.Headers[0]

	out := &verifiedJWT{}
	if typ, ok := header.ExtraHeaders[jose.HeaderType].(string); ok {
		out.Type = typ
	}

	for _, key := range keys {
		if header.KeyID != "" && key.KeyID != "" && key.KeyID != header.KeyID {
			continue
		}
		var claims jwt.Claims
		payload := map[string]any{}
		if err := tok.Claims(key, &claims, &payload); err != nil {
			continue
		}
		out.Claims = claims
		out.Payload = payload
		return out, nil
	}
	return nil, errSignatureMismatch
}

// validateLifetime checks exp, nbf and iat with the given leeway. exp is mandatory
// when requireExpiration is set.
func (v *verifiedJWT) validateLifetime(now time.Time, leeway time.Duration, requireExpiration bool) error {
	if requireExpiration && v.Claims.Expiry == nil {
		return errMissingExpiration
	}
	return v.Claims.ValidateWithLeeway(jwt.Expected{Time: now}, leeway)
}

// expiration returns exp, or now plus fallback when the token has none
func (v *verifiedJWT) expiration(now time.Time, fallback time.Duration) time.Time {
	if v.Claims.Expiry == nil {
		return now.Add(fallback)
	}
	return v.Claims.Expiry.Time()
}

// unverifiedClaims extracts the registered claims without checking the signature. Only use the
// result to select validation keys.
func unverifiedClaims(raw string) (*jwt.Claims, error) {
	tok, err := jwt.ParseSigned(raw, SupportedSigningAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwt: %w", err)
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("failed to read jwt claims: %w", err)
	}
	return &claims, nil
}
