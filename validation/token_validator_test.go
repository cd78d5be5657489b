package validation

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// tokenValidator returns a validator trusting a fresh signing key and the reference
// token store it reads from
func (f *fixture) tokenValidator(t *testing.T) (*TokenValidator, *testutil.SigningKey, *grants.ReferenceTokenStore) {
	t.Helper()
	key := testutil.NewSigningKey(t)
	private := jose.JSONWebKey{Key: key.Private, KeyID: key.KeyID, Algorithm: string(jose.RS256), Use: "sig"}
	references := grants.NewReferenceTokenStore(f.backend, nil, nil)
	v := NewTokenValidator(TokenValidatorConfig{
		Options:         f.opts,
		Keys:            services.NewKeyMaterialService(services.StaticKeys(private), services.NewSigningKeyCache(f.clock.Now), 0),
		Clients:         f.registry,
		ReferenceTokens: references,
	})
	return v, key, references
}

func identityClaims(clientID, subject string, exp time.Time) map[string]any {
	return map[string]any{
		"iss": testutil.Issuer,
		"aud": clientID,
		"sub": subject,
		"sid": "session-1",
		"iat": testNow.Add(-time.Minute).Unix(),
		"exp": exp.Unix(),
	}
}

func TestTokenValidator_ValidateIdentityToken(t *testing.T) {
	tests := []struct {
		name             string
		claims           func() map[string]any
		clientID         string
		validateLifetime bool
		foreignKey       bool
		wantErr          bool
	}{
		{
			name:             "valid",
			claims:           func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(time.Hour)) },
			clientID:         "codeclient",
			validateLifetime: true,
		},
		{
			name:   "client from audience",
			claims: func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(time.Hour)) },
		},
		{
			name:   "expired accepted without lifetime validation",
			claims: func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(-time.Hour)) },
		},
		{
			name:             "expired",
			claims:           func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(-time.Hour)) },
			validateLifetime: true,
			wantErr:          true,
		},
		{
			name:     "audience mismatch",
			claims:   func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(time.Hour)) },
			clientID: "hybridclient",
			wantErr:  true,
		},
		{
			name: "wrong issuer",
			claims: func() map[string]any {
				c := identityClaims("codeclient", "bob", testNow.Add(time.Hour))
				c["iss"] = "https://other"
				return c
			},
			wantErr: true,
		},
		{
			name:    "missing subject",
			claims:  func() map[string]any { return identityClaims("codeclient", "", testNow.Add(time.Hour)) },
			wantErr: true,
		},
		{
			name:    "disabled client",
			claims:  func() map[string]any { return identityClaims("disabled", "bob", testNow.Add(time.Hour)) },
			wantErr: true,
		},
		{
			name:    "unknown client",
			claims:  func() map[string]any { return identityClaims("unknown", "bob", testNow.Add(time.Hour)) },
			wantErr: true,
		},
		{
			name:       "signed by another key",
			claims:     func() map[string]any { return identityClaims("codeclient", "bob", testNow.Add(time.Hour)) },
			foreignKey: true,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v, key, _ := f.tokenValidator(t)
			if tt.foreignKey {
				key = testutil.NewSigningKey(t)
			}
			token := key.SignJWT(t, "JWT", tt.claims())

			result, err := v.ValidateIdentityToken(f.ctx, token, tt.clientID, tt.validateLifetime)
			if err != nil {
				t.Fatalf("ValidateIdentityToken() error = %v", err)
			}
			if result.IsError() != tt.wantErr {
				t.Fatalf("ValidateIdentityToken() error = %v, wantErr %v", result.Error, tt.wantErr)
			}
			if tt.wantErr {
				if got := errorCode(result); got != ErrorInvalidToken {
					t.Errorf("error code = %q, want %q", got, ErrorInvalidToken)
				}
				return
			}
			if result.Request.SubjectID != "bob" {
				t.Errorf("SubjectID = %q, want %q", result.Request.SubjectID, "bob")
			}
			if result.Request.ClientID != "codeclient" || result.Request.Client == nil {
				t.Errorf("ClientID = %q, want %q with a loaded client", result.Request.ClientID, "codeclient")
			}
			if result.Request.SessionID != "session-1" {
				t.Errorf("SessionID = %q, want %q", result.Request.SessionID, "session-1")
			}
		})
	}
}

func TestTokenValidator_ValidateAccessToken_JWT(t *testing.T) {
	f := newFixture(t)
	v, key, _ := f.tokenValidator(t)

	token := key.SignJWT(t, "at+jwt", map[string]any{
		"iss":       testutil.Issuer,
		"aud":       []string{testutil.APIResource1},
		"client_id": "client",
		"scope":     "api2 api1",
		"jti":       "token-1",
		"iat":       testNow.Unix(),
		"exp":       testNow.Add(time.Hour).Unix(),
	})

	result, err := v.ValidateAccessToken(f.ctx, token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if result.IsError() {
		t.Fatalf("ValidateAccessToken() error = %s", result.Error)
	}
	got := result.Request
	if got.ClientID != "client" {
		t.Errorf("ClientID = %q, want %q", got.ClientID, "client")
	}
	if diff := cmp.Diff([]string{"api1", "api2"}, got.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{testutil.APIResource1}, got.Audiences); diff != "" {
		t.Errorf("Audiences mismatch (-want +got):\n%s", diff)
	}
	testutil.AssertTimeEqual(t, got.Expiration, testNow.Add(time.Hour), time.Second)

	f.clock.Advance(2 * time.Hour)
	expired, err := v.ValidateAccessToken(f.ctx, token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if !expired.IsError() {
		t.Error("expired access token accepted")
	}
}

func TestTokenValidator_ValidateAccessToken_Reference(t *testing.T) {
	f := newFixture(t)
	v, _, references := f.tokenValidator(t)

	handle, err := references.StoreReferenceToken(f.ctx, &grants.Token{
		Type:            grants.TokenTypeAccessToken,
		CreationTime:    testNow,
		Lifetime:        time.Hour,
		Issuer:          testutil.Issuer,
		ClientID:        "referenceclient",
		Audiences:       []string{testutil.APIResource1},
		AccessTokenType: storage.AccessTokenTypeReference,
		Claims: []grants.Claim{
			{Type: grants.ClaimSubject, Value: "bob"},
			{Type: grants.ClaimScope, Value: "api1"},
			{Type: grants.ClaimJWTID, Value: "ref-1"},
		},
	})
	if err != nil {
		t.Fatalf("StoreReferenceToken() error = %v", err)
	}

	result, err := v.ValidateAccessToken(f.ctx, handle)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if result.IsError() {
		t.Fatalf("ValidateAccessToken() error = %s", result.Error)
	}
	got := result.Request
	if got.Reference == nil || got.SubjectID != "bob" || got.ClientID != "referenceclient" || got.JWTID != "ref-1" {
		t.Errorf("unexpected reference token: %+v", got)
	}

	unknown, err := v.ValidateAccessToken(f.ctx, "unknown-handle")
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if got := errorCode(unknown); got != ErrorInvalidToken {
		t.Errorf("unknown handle error code = %q, want %q", got, ErrorInvalidToken)
	}
}
