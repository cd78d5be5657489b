package storage

import (
	"slices"
	"time"
)

// Grant types a client may be allowed to use
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

// Secret types
const (
	SecretTypeSharedSecret = "SharedSecret"
	SecretTypeJSONWebKey   = "JWK"
)

// TokenUsage controls whether a refresh token handle survives its use.
type TokenUsage int

const (
	// TokenUsageReUse keeps the handle on refresh.
	TokenUsageReUse TokenUsage = iota
	// TokenUsageOneTimeOnly issues a new handle on every refresh.
	TokenUsageOneTimeOnly
)

// TokenExpiration controls how refresh token lifetimes evolve on use.
type TokenExpiration int

const (
	// TokenExpirationAbsolute keeps the lifetime fixed from creation.
	TokenExpirationAbsolute TokenExpiration = iota
	// TokenExpirationSliding extends the lifetime on every use, capped by the absolute lifetime.
	TokenExpirationSliding
)

// AccessTokenType selects self-contained or reference access tokens.
type AccessTokenType int

const (
	AccessTokenTypeJWT AccessTokenType = iota
	AccessTokenTypeReference
)

// Secret is a client credential. Shared secrets hold a bcrypt hash in Value;
// JSON web keys hold the public JWK JSON.
type Secret struct {
	Type        string     `json:"type"`
	Value       string     `json:"value"`
	Description string     `json:"description,omitempty"`
	Expiration  *time.Time `json:"expiration,omitempty"`
}

// HasExpired reports whether the secret expired at or before now.
func (s Secret) HasExpired(now time.Time) bool {
	return s.Expiration != nil && !s.Expiration.After(now)
}

// Client is a registered relying party. It is treated as a read-only snapshot.
type Client struct {
	ClientID   string
	ClientName string
	Enabled    bool

	ClientSecrets       []Secret
	RequireClientSecret bool

	AllowedGrantTypes      []string
	AllowedScopes          []string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string

	RequirePKCE                 bool
	AllowPlainTextPKCE          bool
	AllowAccessTokensViaBrowser bool
	AllowOfflineAccess          bool
	RequireRequestObject        bool
	RequirePushedAuthorization  bool

	AccessTokenType              AccessTokenType
	AuthorizationCodeLifetime    time.Duration
	AccessTokenLifetime          time.Duration
	IdentityTokenLifetime        time.Duration
	AbsoluteRefreshTokenLifetime time.Duration
	SlidingRefreshTokenLifetime  time.Duration
	RefreshTokenUsage            TokenUsage
	RefreshTokenExpiration       TokenExpiration
	DeviceCodeLifetime           time.Duration

	// Optional overrides of server-wide defaults. Nil means use the default.
	PushedAuthorizationLifetime       *time.Duration
	CIBALifetime                      *time.Duration
	PollingInterval                   *time.Duration
	CoordinateLifetimeWithUserSession *bool
}

// HasGrantType reports whether the client may use the given protocol grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// HasScope reports whether the client may request the given scope.
func (c *Client) HasScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// SecretsOfType returns the unexpired secrets of the given type.
func (c *Client) SecretsOfType(secretType string, now time.Time) []Secret {
	var out []Secret
	for _, s := range c.ClientSecrets {
		if s.Type == secretType && !s.HasExpired(now) {
			out = append(out, s)
		}
	}
	return out
}

// IdentityResource is a named set of user claims requested via a scope.
type IdentityResource struct {
	Name        string
	DisplayName string
	Enabled     bool
	Required    bool
	UserClaims  []string
}

// APIScope is a scope granting access to one or more APIs.
type APIScope struct {
	Name        string
	DisplayName string
	Enabled     bool
	Required    bool
	UserClaims  []string
}

// APIResource is a protected API addressable by a resource indicator.
type APIResource struct {
	Name    string
	Enabled bool
	Scopes  []string

	// RequireResourceIndicator isolates the API: it only becomes an audience
	// when explicitly requested with a resource indicator.
	RequireResourceIndicator bool

	// Secrets authenticate the API at the introspection endpoint.
	Secrets []Secret
}

// Resources groups the identity resources, API scopes and API resources known to the server.
type Resources struct {
	IdentityResources []*IdentityResource
	APIScopes         []*APIScope
	APIResources      []*APIResource
}
