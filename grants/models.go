package grants

import (
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// Well-known claim types carried by tokens.
const (
	ClaimSubject   = "sub"
	ClaimSessionID = "sid"
	ClaimScope     = "scope"
	ClaimClientID  = "client_id"
	ClaimJWTID     = "jti"
	ClaimAuthTime  = "auth_time"
	ClaimIdP       = "idp"
	ClaimAMR       = "amr"
	ClaimAudience  = "aud"
	ClaimConfirm   = "cnf"
)

// Token types
const (
	TokenTypeAccessToken   = "access_token"
	TokenTypeIdentityToken = "id_token"
)

// Claim is a single type/value pair. Multi-valued claims repeat the type.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Token is an access or identity token before it is serialized as a JWT or stored
// as a reference token.
type Token struct {
	Type                     string                  `json:"type"`
	CreationTime             time.Time               `json:"creation_time"`
	Lifetime                 time.Duration           `json:"lifetime"`
	Issuer                   string                  `json:"issuer"`
	ClientID                 string                  `json:"client_id"`
	Audiences                []string                `json:"audiences,omitempty"`
	AccessTokenType          storage.AccessTokenType `json:"access_token_type"`
	Description              string                  `json:"description,omitempty"`
	Confirmation             string                  `json:"confirmation,omitempty"`
	AllowedSigningAlgorithms []string                `json:"allowed_signing_algorithms,omitempty"`
	Claims                   []Claim                 `json:"claims,omitempty"`
}

// ClaimValue returns the first value of the claim type, or "".
func (t *Token) ClaimValue(claimType string) string {
	for _, c := range t.Claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// ClaimValues returns every value of the claim type.
func (t *Token) ClaimValues(claimType string) []string {
	var out []string
	for _, c := range t.Claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// SubjectID returns the sub claim, or "" for client tokens.
func (t *Token) SubjectID() string { return t.ClaimValue(ClaimSubject) }

// SessionID returns the sid claim.
func (t *Token) SessionID() string { return t.ClaimValue(ClaimSessionID) }

// Scopes returns the scope claim values.
func (t *Token) Scopes() []string { return t.ClaimValues(ClaimScope) }

// Expiration returns CreationTime + Lifetime.
func (t *Token) Expiration() time.Time { return t.CreationTime.Add(t.Lifetime) }

// AuthorizationCode is the server-side state behind an authorization code.
type AuthorizationCode struct {
	CreationTime                time.Time         `json:"creation_time"`
	Lifetime                    time.Duration     `json:"lifetime"`
	ClientID                    string            `json:"client_id"`
	Subject                     *storage.Subject  `json:"subject"`
	IsOpenID                    bool              `json:"is_openid"`
	RequestedScopes             []string          `json:"requested_scopes"`
	RequestedResourceIndicators []string          `json:"requested_resource_indicators,omitempty"`
	RedirectURI                 string            `json:"redirect_uri"`
	Nonce                       string            `json:"nonce,omitempty"`
	StateHash                   string            `json:"state_hash,omitempty"`
	WasConsentShown             bool              `json:"was_consent_shown"`
	SessionID                   string            `json:"session_id,omitempty"`
	CodeChallenge               string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod         string            `json:"code_challenge_method,omitempty"`
	DPoPKeyThumbprint           string            `json:"dpop_jkt,omitempty"`
	Description                 string            `json:"description,omitempty"`
	Properties                  map[string]string `json:"properties,omitempty"`
}

// Expiration returns CreationTime + Lifetime.
func (c *AuthorizationCode) Expiration() time.Time { return c.CreationTime.Add(c.Lifetime) }

// HasExpired reports whether the code's lifetime is over at now.
func (c *AuthorizationCode) HasExpired(now time.Time) bool {
	return !c.Expiration().After(now)
}

// RefreshToken is the server-side state behind a refresh token handle.
type RefreshToken struct {
	CreationTime                 time.Time        `json:"creation_time"`
	Lifetime                     time.Duration    `json:"lifetime"`
	ConsumedTime                 *time.Time       `json:"consumed_time,omitempty"`
	ClientID                     string           `json:"client_id"`
	Subject                      *storage.Subject `json:"subject"`
	SessionID                    string           `json:"session_id,omitempty"`
	Description                  string           `json:"description,omitempty"`
	AuthorizedScopes             []string         `json:"authorized_scopes"`
	AuthorizedResourceIndicators []string         `json:"authorized_resource_indicators,omitempty"`
	AccessToken                  *Token           `json:"access_token,omitempty"`
	Version                      int              `json:"version"`
}

// SubjectID returns the subject identifier.
func (r *RefreshToken) SubjectID() string { return r.Subject.SubjectID() }

// Expiration returns the absolute expiry, or the zero time for a zero lifetime.
func (r *RefreshToken) Expiration() time.Time {
	if r.Lifetime <= 0 {
		return time.Time{}
	}
	return r.CreationTime.Add(r.Lifetime)
}

// HasExpired reports whether the refresh token's lifetime is over at now.
// A zero lifetime never expires.
func (r *RefreshToken) HasExpired(now time.Time) bool {
	exp := r.Expiration()
	return !exp.IsZero() && !exp.After(now)
}

// UserConsent records scopes a subject granted to a client.
type UserConsent struct {
	SubjectID    string     `json:"subject_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
}

// Covers reports whether the consent includes every requested scope.
func (c *UserConsent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// DeviceCode is the server-side state of a device authorization.
type DeviceCode struct {
	CreationTime     time.Time        `json:"creation_time"`
	Lifetime         time.Duration    `json:"lifetime"`
	ClientID         string           `json:"client_id"`
	Description      string           `json:"description,omitempty"`
	IsOpenID         bool             `json:"is_openid"`
	IsAuthorized     bool             `json:"is_authorized"`
	RequestedScopes  []string         `json:"requested_scopes"`
	AuthorizedScopes []string         `json:"authorized_scopes,omitempty"`
	Subject          *storage.Subject `json:"subject,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	UserCodeKey      string           `json:"user_code_key,omitempty"`
}

// Expiration returns CreationTime + Lifetime.
func (d *DeviceCode) Expiration() time.Time { return d.CreationTime.Add(d.Lifetime) }

// HasExpired reports whether the device code's lifetime is over at now.
func (d *DeviceCode) HasExpired(now time.Time) bool { return !d.Expiration().After(now) }

// BackChannelAuthenticationRequest is a pending CIBA login.
// InternalID is the hashed request id and is populated on load.
type BackChannelAuthenticationRequest struct {
	InternalID                      string            `json:"-"`
	CreationTime                    time.Time         `json:"creation_time"`
	Lifetime                        time.Duration     `json:"lifetime"`
	ClientID                        string            `json:"client_id"`
	Subject                         *storage.Subject  `json:"subject"`
	RequestedScopes                 []string          `json:"requested_scopes"`
	RequestedResourceIndicators     []string          `json:"requested_resource_indicators,omitempty"`
	AuthenticationContextReferences []string          `json:"acr_values,omitempty"`
	Tenant                          string            `json:"tenant,omitempty"`
	IdP                             string            `json:"idp,omitempty"`
	BindingMessage                  string            `json:"binding_message,omitempty"`
	IsComplete                      bool              `json:"is_complete"`
	AuthorizedScopes                []string          `json:"authorized_scopes,omitempty"`
	SessionID                       string            `json:"session_id,omitempty"`
	Description                     string            `json:"description,omitempty"`
	Properties                      map[string]string `json:"properties,omitempty"`
}

// Expiration returns CreationTime + Lifetime.
func (b *BackChannelAuthenticationRequest) Expiration() time.Time {
	return b.CreationTime.Add(b.Lifetime)
}

// HasExpired reports whether the request's lifetime is over at now.
func (b *BackChannelAuthenticationRequest) HasExpired(now time.Time) bool {
	return !b.Expiration().After(now)
}

// IsDenied reports whether the user completed the request without authorizing any scope.
func (b *BackChannelAuthenticationRequest) IsDenied() bool {
	return b.IsComplete && len(b.AuthorizedScopes) == 0
}
