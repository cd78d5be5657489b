package testutil

import (
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// Redirect URIs registered for the fixture clients
const (
	RedirectURI           = "https://server/cb"
	PostLogoutRedirectURI = "https://server/signout-callback"
)

// Scopes known to the fixture resources
const (
	ScopeAPI1     = "api1"
	ScopeAPI2     = "api2"
	ScopeIsolated = "isolated"

	APIResource1        = "urn:api1"
	APIResourceIsolated = "urn:isolated"
)

func secret() []storage.Secret {
	return []storage.Secret{{Type: storage.SecretTypeSharedSecret, Value: HashedClientSecret()}}
}

func duration(d time.Duration) *time.Duration { return &d }

// NewClient returns an enabled confidential client with the default lifetimes
func NewClient(id string, grantTypes ...string) *storage.Client {
	return &storage.Client{
		ClientID:               id,
		ClientName:             id,
		Enabled:                true,
		ClientSecrets:          secret(),
		RequireClientSecret:    true,
		AllowedGrantTypes:      grantTypes,
		AllowedScopes:          []string{"openid", "profile", "email", ScopeAPI1, ScopeAPI2, ScopeIsolated},
		RedirectURIs:           []string{RedirectURI},
		PostLogoutRedirectURIs: []string{PostLogoutRedirectURI},

		AuthorizationCodeLifetime:    5 * time.Minute,
		AccessTokenLifetime:          time.Hour,
		IdentityTokenLifetime:        5 * time.Minute,
		AbsoluteRefreshTokenLifetime: 30 * 24 * time.Hour,
		SlidingRefreshTokenLifetime:  15 * 24 * time.Hour,
		DeviceCodeLifetime:           5 * time.Minute,
		RefreshTokenUsage:            storage.TokenUsageOneTimeOnly,
		RefreshTokenExpiration:       storage.TokenExpirationAbsolute,
	}
}

// Clients returns the fixture clients used across the validator tests
func Clients() []*storage.Client {
	code := NewClient("codeclient", storage.GrantTypeAuthorizationCode)
	code.AllowOfflineAccess = true

	codePKCE := NewClient("codeclient.pkce", storage.GrantTypeAuthorizationCode)
	codePKCE.RequirePKCE = true
	codePKCE.AllowOfflineAccess = true

	codePlain := NewClient("codeclient.plain", storage.GrantTypeAuthorizationCode)
	codePlain.AllowPlainTextPKCE = true

	codePKCEPlain := NewClient("codeclient.pkce.plain", storage.GrantTypeAuthorizationCode)
	codePKCEPlain.RequirePKCE = true
	codePKCEPlain.AllowPlainTextPKCE = true

	hybrid := NewClient("hybridclient", storage.GrantTypeHybrid)
	hybrid.AllowAccessTokensViaBrowser = true

	hybridPKCE := NewClient("hybridclient.pkce", storage.GrantTypeHybrid)
	hybridPKCE.RequirePKCE = true
	hybridPKCE.AllowAccessTokensViaBrowser = true

	implicit := NewClient("implicitclient", storage.GrantTypeImplicit)
	implicit.AllowAccessTokensViaBrowser = true
	implicit.ClientSecrets = nil
	implicit.RequireClientSecret = false

	implicitNoBrowser := NewClient("implicitclient.nobrowser", storage.GrantTypeImplicit)
	implicitNoBrowser.ClientSecrets = nil
	implicitNoBrowser.RequireClientSecret = false

	credentials := NewClient("client", storage.GrantTypeClientCredentials)
	credentials.AllowedScopes = []string{"openid", ScopeAPI1, ScopeAPI2, ScopeIsolated}

	device := NewClient("device", storage.GrantTypeDeviceCode)
	device.AllowOfflineAccess = true

	ciba := NewClient("ciba", storage.GrantTypeCIBA)
	ciba.AllowOfflineAccess = true
	ciba.PollingInterval = duration(5 * time.Second)

	par := NewClient("parclient", storage.GrantTypeAuthorizationCode)
	par.RequirePushedAuthorization = true
	par.PushedAuthorizationLifetime = duration(time.Minute)

	reference := NewClient("referenceclient", storage.GrantTypeClientCredentials, storage.GrantTypeAuthorizationCode)
	reference.AccessTokenType = storage.AccessTokenTypeReference

	disabled := NewClient("disabled", storage.GrantTypeAuthorizationCode)
	disabled.Enabled = false

	return []*storage.Client{
		code, codePKCE, codePlain, codePKCEPlain,
		hybrid, hybridPKCE, implicit, implicitNoBrowser,
		credentials, device, ciba, par, reference, disabled,
	}
}

// Resources returns the fixture identity resources, API scopes and API resources
func Resources() *storage.Resources {
	return &storage.Resources{
		IdentityResources: []*storage.IdentityResource{
			{Name: "openid", Enabled: true, Required: true, UserClaims: []string{"sub"}},
			{Name: "profile", Enabled: true, UserClaims: []string{"name", "family_name"}},
			{Name: "email", Enabled: true, UserClaims: []string{"email", "email_verified"}},
		},
		APIScopes: []*storage.APIScope{
			{Name: ScopeAPI1, Enabled: true},
			{Name: ScopeAPI2, Enabled: true},
			{Name: ScopeIsolated, Enabled: true},
		},
		APIResources: []*storage.APIResource{
			{
				Name:    APIResource1,
				Enabled: true,
				Scopes:  []string{ScopeAPI1, ScopeAPI2},
				Secrets: secret(),
			},
			{
				Name:                     APIResourceIsolated,
				Enabled:                  true,
				Scopes:                   []string{ScopeIsolated},
				RequireResourceIndicator: true,
			},
		},
	}
}
