package response

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/testutil"
)

func TestTokenCreationService_AccessTokenJWT(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, "codeclient")

	token, err := f.tokens.CreateAccessToken(f.ctx, &TokenCreationRequest{
		Subject:   subject(),
		Client:    client,
		Resources: f.resources(t, client, "openid", "api1", "api2"),
	})
	if err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	if token.Lifetime != time.Hour {
		t.Errorf("Lifetime = %v, want %v", token.Lifetime, time.Hour)
	}
	if diff := cmp.Diff([]string{testutil.APIResource1}, token.Audiences); diff != "" {
		t.Errorf("Audiences mismatch (-want +got):\n%s", diff)
	}

	jwt, err := f.tokens.CreateSecurityToken(f.ctx, token)
	if err != nil {
		t.Fatalf("CreateSecurityToken() error = %v", err)
	}

	result, err := f.tokenValidator().ValidateAccessToken(f.ctx, jwt)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if result.IsError() {
		t.Fatalf("ValidateAccessToken() error = %s", result.Error)
	}

	got := result.Request
	if got.SubjectID != "bob" || got.SessionID != "session-1" || got.ClientID != "codeclient" {
		t.Errorf("sub, sid, client_id = %q, %q, %q", got.SubjectID, got.SessionID, got.ClientID)
	}
	if diff := cmp.Diff([]string{"api1", "api2", "openid"}, got.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
	if got.JWTID == "" {
		t.Error("jti is empty")
	}
	if authTime, ok := got.Claims[grants.ClaimAuthTime].(float64); !ok || int64(authTime) != testNow.Add(-time.Minute).Unix() {
		t.Errorf("auth_time = %v", got.Claims[grants.ClaimAuthTime])
	}
	testutil.AssertTimeEqual(t, got.Expiration, testNow.Add(time.Hour), 0)
}

func TestTokenCreationService_ReferenceToken(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, "referenceclient")

	token, err := f.tokens.CreateAccessToken(f.ctx, &TokenCreationRequest{
		Client:    client,
		Resources: f.resources(t, client, "api1"),
	})
	if err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	handle, err := f.tokens.CreateSecurityToken(f.ctx, token)
	if err != nil {
		t.Fatalf("CreateSecurityToken() error = %v", err)
	}

	stored, err := f.references.GetReferenceToken(f.ctx, handle)
	if err != nil {
		t.Fatalf("GetReferenceToken() error = %v", err)
	}
	if stored.ClientID != "referenceclient" || stored.SubjectID() != "" {
		t.Errorf("ClientID, SubjectID = %q, %q", stored.ClientID, stored.SubjectID())
	}

	result, err := f.tokenValidator().ValidateAccessToken(f.ctx, handle)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if result.IsError() {
		t.Fatalf("ValidateAccessToken() error = %s", result.Error)
	}
	if diff := cmp.Diff([]string{"api1"}, result.Request.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenCreationService_IdentityToken(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, "hybridclient")
	resources := f.resources(t, client, "openid", "profile")

	tests := []struct {
		name          string
		req           TokenCreationRequest
		wantClaims    map[string]any
		missingClaims []string
	}{
		{
			name: "hash claims",
			req: TokenCreationRequest{
				Nonce:                   "n-0S6_WzA2Mj",
				AccessTokenToHash:       "access",
				AuthorizationCodeToHash: "code",
				StateToHash:             "state",
			},
			wantClaims: map[string]any{
				"nonce":   "n-0S6_WzA2Mj",
				"at_hash": LeftHalfHash("access", "RS256"),
				"c_hash":  LeftHalfHash("code", "RS256"),
				"s_hash":  LeftHalfHash("state", "RS256"),
				"idp":     "local",
			},
			missingClaims: []string{"name", "client_id", "scope"},
		},
		{
			name: "user claims without access token",
			req:  TokenCreationRequest{IncludeAllIdentityClaims: true},
			wantClaims: map[string]any{
				"name":        "Bob Smith",
				"family_name": "Smith",
			},
			missingClaims: []string{"email", "at_hash", "nonce"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Subject = subject()
			req.Client = client
			req.Resources = resources

			token, err := f.tokens.CreateIdentityToken(f.ctx, &req)
			if err != nil {
				t.Fatalf("CreateIdentityToken() error = %v", err)
			}
			jwt, err := f.tokens.CreateSecurityToken(f.ctx, token)
			if err != nil {
				t.Fatalf("CreateSecurityToken() error = %v", err)
			}

			result, err := f.tokenValidator().ValidateIdentityToken(f.ctx, jwt, "hybridclient", true)
			if err != nil {
				t.Fatalf("ValidateIdentityToken() error = %v", err)
			}
			if result.IsError() {
				t.Fatalf("ValidateIdentityToken() error = %s", result.Error)
			}
			claims := result.Request.Claims
			for name, want := range tt.wantClaims {
				if claims[name] != want {
					t.Errorf("claim %s = %v, want %v", name, claims[name], want)
				}
			}
			for _, name := range tt.missingClaims {
				if _, ok := claims[name]; ok {
					t.Errorf("unexpected claim %s", name)
				}
			}
			testutil.AssertTimeEqual(t, result.Request.Expiration, testNow.Add(5*time.Minute), 0)
		})
	}
}

func TestTokenCreationService_IdentityTokenRequiresSubject(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, "codeclient")
	_, err := f.tokens.CreateIdentityToken(f.ctx, &TokenCreationRequest{
		Client:    client,
		Resources: f.resources(t, client, "openid"),
	})
	if err == nil {
		t.Fatal("CreateIdentityToken() without subject succeeded")
	}
}

func TestJWTPayload(t *testing.T) {
	token := &grants.Token{
		Issuer:       testutil.Issuer,
		CreationTime: testNow,
		Lifetime:     time.Minute,
		Audiences:    []string{"a", "b"},
		Confirmation: `{"jkt":"thumb"}`,
		Claims: []grants.Claim{
			{Type: grants.ClaimSubject, Value: "bob"},
			{Type: grants.ClaimAuthTime, Value: "1700000000"},
			{Type: grants.ClaimScope, Value: "api1"},
			{Type: grants.ClaimAMR, Value: "pwd"},
			{Type: "role", Value: "admin"},
			{Type: "role", Value: "user"},
		},
	}

	got := jwtPayload(token)
	tests := []struct {
		claim string
		want  any
	}{
		{claim: "iss", want: testutil.Issuer},
		{claim: "iat", want: testNow.Unix()},
		{claim: "exp", want: testNow.Add(time.Minute).Unix()},
		{claim: "aud", want: []string{"a", "b"}},
		{claim: "sub", want: "bob"},
		{claim: "auth_time", want: int64(1700000000)},
		{claim: "scope", want: []string{"api1"}},
		{claim: "amr", want: []string{"pwd"}},
		{claim: "role", want: []string{"admin", "user"}},
	}
	for _, tt := range tests {
		t.Run(tt.claim, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, got[tt.claim]); diff != "" {
				t.Errorf("claim mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if _, ok := got["cnf"]; !ok {
		t.Error("cnf claim missing")
	}

	token.Audiences = []string{"a"}
	if aud := jwtPayload(token)["aud"]; aud != "a" {
		t.Errorf("single audience = %v, want %q", aud, "a")
	}
}

func TestLeftHalfHash(t *testing.T) {
	sum256 := sha256.Sum256([]byte("value"))
	sum384 := sha512.Sum384([]byte("value"))
	sum512 := sha512.Sum512([]byte("value"))

	tests := []struct {
		algorithm string
		want      string
	}{
		{algorithm: "RS256", want: base64.RawURLEncoding.EncodeToString(sum256[:16])},
		{algorithm: "ES384", want: base64.RawURLEncoding.EncodeToString(sum384[:24])},
		{algorithm: "PS512", want: base64.RawURLEncoding.EncodeToString(sum512[:32])},
		{algorithm: "", want: base64.RawURLEncoding.EncodeToString(sum256[:16])},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			if got := LeftHalfHash("value", tt.algorithm); got != tt.want {
				t.Errorf("LeftHalfHash() = %q, want %q", got, tt.want)
			}
		})
	}
}
