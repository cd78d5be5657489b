package validation

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

func TestAuthorizeRequestValidator_Validate(t *testing.T) {
	tests := []struct {
		name     string
		params   []string
		wantCode string
	}{
		{
			name:   "code flow with openid",
			params: []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
		},
		{
			name:   "code flow with api scope and offline access",
			params: []string{"client_id", "codeclient", "scope", "openid api1 offline_access", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
		},
		{
			name:     "unknown scope",
			params:   []string{"client_id", "codeclient", "scope", "unknown", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "id_token without nonce",
			params:   []string{"client_id", "implicitclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "id_token"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:   "id_token with nonce",
			params: []string{"client_id", "implicitclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "id_token", "nonce", "n"},
		},
		{
			name:     "resource indicator that is not a uri",
			params:   []string{"client_id", "codeclient", "scope", "openid api1", "redirect_uri", testutil.RedirectURI, "response_type", "code", "resource", "not_uri"},
			wantCode: ErrorInvalidTarget,
		},
		{
			name:     "resource indicator with fragment",
			params:   []string{"client_id", "codeclient", "scope", "openid api1", "redirect_uri", testutil.RedirectURI, "response_type", "code", "resource", "urn:api1#frag"},
			wantCode: ErrorInvalidTarget,
		},
		{
			name:     "unknown resource indicator",
			params:   []string{"client_id", "codeclient", "scope", "openid api1", "redirect_uri", testutil.RedirectURI, "response_type", "code", "resource", "urn:unknown"},
			wantCode: ErrorInvalidTarget,
		},
		{
			name:     "missing client_id",
			params:   []string{"scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "unknown client",
			params:   []string{"client_id", "unknown", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorUnauthorizedClient,
		},
		{
			name:     "disabled client",
			params:   []string{"client_id", "disabled", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorUnauthorizedClient,
		},
		{
			name:     "unregistered redirect_uri",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", "https://server/other", "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "redirect_uri differing in case",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", "https://SERVER/cb", "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "relative redirect_uri",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", "/cb", "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "missing response_type",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "unsupported response_type",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "unknown"},
			wantCode: ErrorUnsupportedResponseType,
		},
		{
			name:     "response_type not allowed for client",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "id_token", "nonce", "n"},
			wantCode: ErrorUnauthorizedClient,
		},
		{
			name:     "access token via browser not allowed",
			params:   []string{"client_id", "implicitclient.nobrowser", "scope", "api1", "redirect_uri", testutil.RedirectURI, "response_type", "token"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "query response mode for token response",
			params:   []string{"client_id", "implicitclient", "scope", "api1", "redirect_uri", testutil.RedirectURI, "response_type", "token", "response_mode", "query"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "unsupported response mode",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "response_mode", "jwt"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "missing scope",
			params:   []string{"client_id", "codeclient", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "id_token response with api scope",
			params:   []string{"client_id", "implicitclient", "scope", "openid api1", "redirect_uri", testutil.RedirectURI, "response_type", "id_token", "nonce", "n"},
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "token response with identity scope",
			params:   []string{"client_id", "implicitclient", "scope", "openid api1", "redirect_uri", testutil.RedirectURI, "response_type", "token"},
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "hybrid without openid",
			params:   []string{"client_id", "hybridclient", "scope", "api1", "redirect_uri", testutil.RedirectURI, "response_type", "code id_token", "nonce", "n"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "offline access not allowed",
			params:   []string{"client_id", "hybridclient", "scope", "openid offline_access", "redirect_uri", testutil.RedirectURI, "response_type", "code id_token", "nonce", "n"},
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "resource indicator with implicit token",
			params:   []string{"client_id", "implicitclient", "scope", "api1", "redirect_uri", testutil.RedirectURI, "response_type", "token", "resource", testutil.APIResource1},
			wantCode: ErrorInvalidTarget,
		},
		{
			name:     "prompt none combined with login",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "prompt", "none login"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "negative max_age",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "max_age", "-1"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "missing code challenge for pkce client",
			params:   []string{"client_id", "codeclient.pkce", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "pushed authorization required",
			params:   []string{"client_id", "parclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "state too long",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "state", strings.Repeat("s", 2001)},
			wantCode: ErrorInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.authorizeValidator()

			result, err := v.Validate(f.ctx, params(tt.params...), nil)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := errorCode(result); got != tt.wantCode {
				t.Errorf("Validate() error code = %q (%s), want %q", got, errorDescription(result), tt.wantCode)
			}
		})
	}
}

func TestAuthorizeRequestValidator_ValidatedRequest(t *testing.T) {
	f := newFixture(t)
	v := f.authorizeValidator()
	subject := testutil.Subject("bob", "sid-1")

	result, err := v.Validate(f.ctx, params(
		"client_id", "codeclient",
		"scope", "openid api1",
		"redirect_uri", testutil.RedirectURI,
		"response_type", "code",
		"state", "xyz",
		"prompt", "login consent",
		"suppressed_prompt", "login",
		"max_age", "60",
		"acr_values", "idp:google tenant:acme mfa",
		"display", "unknown",
	), subject)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.IsError() {
		t.Fatalf("Validate() failed: %s", result.Error)
	}

	req := result.Request
	if req.GrantType != storage.GrantTypeAuthorizationCode {
		t.Errorf("GrantType = %q, want %q", req.GrantType, storage.GrantTypeAuthorizationCode)
	}
	if req.ResponseMode != ResponseModeQuery {
		t.Errorf("ResponseMode = %q, want %q", req.ResponseMode, ResponseModeQuery)
	}
	if req.SessionID != "sid-1" {
		t.Errorf("SessionID = %q, want sid-1", req.SessionID)
	}
	if !req.IsOpenIDRequest || !req.IsAPIResourceRequest {
		t.Errorf("IsOpenIDRequest = %v, IsAPIResourceRequest = %v, want both true", req.IsOpenIDRequest, req.IsAPIResourceRequest)
	}
	if diff := cmp.Diff([]string{"consent"}, req.PromptModes); diff != "" {
		t.Errorf("PromptModes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"mfa"}, req.AcrValues); diff != "" {
		t.Errorf("AcrValues mismatch (-want +got):\n%s", diff)
	}
	if req.IdP != "google" || req.Tenant != "acme" {
		t.Errorf("IdP = %q, Tenant = %q, want google and acme", req.IdP, req.Tenant)
	}
	if req.DisplayMode != "" {
		t.Errorf("DisplayMode = %q, want unsupported value dropped", req.DisplayMode)
	}
	if req.MaxAge == nil || *req.MaxAge != 60 {
		t.Errorf("MaxAge = %v, want 60", req.MaxAge)
	}
	if diff := cmp.Diff([]string{testutil.APIResource1}, req.ValidatedResources.APIResourceNames()); diff != "" {
		t.Errorf("APIResourceNames mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthorizeRequestValidator_ResourceIndicatorsDeduplicated(t *testing.T) {
	tests := []struct {
		name      string
		resources []string
		want      []string
	}{
		{name: "none", resources: nil, want: nil},
		{name: "single", resources: []string{testutil.APIResource1}, want: []string{testutil.APIResource1}},
		{name: "duplicates", resources: []string{testutil.APIResource1, testutil.APIResource1}, want: []string{testutil.APIResource1}},
		{name: "isolated and shared", resources: []string{testutil.APIResourceIsolated, testutil.APIResource1, testutil.APIResourceIsolated}, want: []string{testutil.APIResourceIsolated, testutil.APIResource1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.authorizeValidator()

			raw := params("client_id", "codeclient", "scope", "openid api1 isolated", "redirect_uri", testutil.RedirectURI, "response_type", "code")
			for _, r := range tt.resources {
				raw.Add("resource", r)
			}
			result, err := v.Validate(f.ctx, raw, nil)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if result.IsError() {
				t.Fatalf("Validate() failed: %s", result.Error)
			}
			if diff := cmp.Diff(tt.want, result.Request.RequestedResourceIndicators); diff != "" {
				t.Errorf("RequestedResourceIndicators mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAuthorizeRequestValidator_PKCE(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		length   int
		method   string
		wantCode string
	}{
		{name: "S256 below minimum", clientID: "codeclient.pkce", length: 42, method: CodeChallengeMethodS256, wantCode: ErrorInvalidRequest},
		{name: "S256 at minimum", clientID: "codeclient.pkce", length: 43, method: CodeChallengeMethodS256},
		{name: "S256 at maximum", clientID: "codeclient.pkce", length: 128, method: CodeChallengeMethodS256},
		{name: "S256 above maximum", clientID: "codeclient.pkce", length: 129, method: CodeChallengeMethodS256, wantCode: ErrorInvalidRequest},
		{name: "plain not allowed", clientID: "codeclient.pkce", length: 43, method: CodeChallengeMethodPlain, wantCode: ErrorInvalidRequest},
		{name: "missing method defaults to plain", clientID: "codeclient.pkce", length: 43, wantCode: ErrorInvalidRequest},
		{name: "plain allowed", clientID: "codeclient.pkce.plain", length: 43, method: CodeChallengeMethodPlain},
		{name: "unknown method", clientID: "codeclient.pkce.plain", length: 43, method: "S512", wantCode: ErrorInvalidRequest},
		{name: "optional pkce", clientID: "codeclient", length: 43, method: CodeChallengeMethodS256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.authorizeValidator()

			raw := params(
				"client_id", tt.clientID,
				"scope", "openid",
				"redirect_uri", testutil.RedirectURI,
				"response_type", "code",
				"code_challenge", strings.Repeat("a", tt.length),
			)
			if tt.method != "" {
				raw.Set("code_challenge_method", tt.method)
			}
			result, err := v.Validate(f.ctx, raw, nil)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := errorCode(result); got != tt.wantCode {
				t.Errorf("Validate() error code = %q (%s), want %q", got, errorDescription(result), tt.wantCode)
			}
			if tt.wantCode == "" && result.Request.CodeChallenge == "" {
				t.Error("CodeChallenge not set on valid request")
			}
		})
	}
}

func TestAuthorizeRequestValidator_PushedAuthorization(t *testing.T) {
	pushedParams := func(clientID string) []string {
		return []string{"client_id", clientID, "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "state", "pushed"}
	}

	tests := []struct {
		name       string
		pushedBy   string
		presenter  string
		expiresIn  time.Duration
		wantCode   string
		wantDetail string
	}{
		{name: "valid", pushedBy: "parclient", presenter: "parclient", expiresIn: time.Minute},
		{name: "expired", pushedBy: "parclient", presenter: "parclient", expiresIn: -time.Second, wantCode: ErrorInvalidRequest, wantDetail: "expired pushed authorization request"},
		{name: "expires now", pushedBy: "parclient", presenter: "parclient", expiresIn: 0, wantCode: ErrorInvalidRequest, wantDetail: "expired pushed authorization request"},
		{name: "other client", pushedBy: "parclient", presenter: "codeclient", expiresIn: time.Minute, wantCode: ErrorInvalidRequest, wantDetail: "invalid client for pushed authorization request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.authorizeValidator()

			err := f.pushed.Store(f.ctx, &services.PushedAuthorization{
				ReferenceValue: "ref-1",
				Parameters:     params(pushedParams(tt.pushedBy)...),
				ExpiresAt:      testNow.Add(tt.expiresIn),
			})
			if err != nil {
				t.Fatalf("Store() error = %v", err)
			}

			result, err := v.Validate(f.ctx, params("client_id", tt.presenter, "request_uri", PushedAuthorizationRequestURIPrefix+"ref-1"), nil)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := errorCode(result); got != tt.wantCode {
				t.Fatalf("Validate() error code = %q (%s), want %q", got, errorDescription(result), tt.wantCode)
			}
			if got := errorDescription(result); got != tt.wantDetail {
				t.Errorf("Validate() error description = %q, want %q", got, tt.wantDetail)
			}
			if tt.wantCode == "" {
				req := result.Request
				if !req.IsPushed() || req.PushedAuthorizationReferenceValue != "ref-1" {
					t.Errorf("request not marked as pushed: %q", req.PushedAuthorizationReferenceValue)
				}
				if req.State != "pushed" {
					t.Errorf("State = %q, want parameters taken from the pushed request", req.State)
				}
			}
		})
	}
}

func TestAuthorizeRequestValidator_UnknownPushedReference(t *testing.T) {
	f := newFixture(t)
	v := f.authorizeValidator()

	result, err := v.Validate(f.ctx, params("client_id", "parclient", "request_uri", PushedAuthorizationRequestURIPrefix+"missing"), nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := errorCode(result); got != ErrorInvalidRequest {
		t.Errorf("Validate() error code = %q, want %q", got, ErrorInvalidRequest)
	}
}

func TestValidatePushedAuthorizationBinding(t *testing.T) {
	tests := []struct {
		name     string
		pushedBy url.Values
		clientID string
		want     *Error
	}{
		{name: "same client", pushedBy: url.Values{ParamClientID: {"parclient"}}, clientID: "parclient"},
		{
			name:     "other client",
			pushedBy: url.Values{ParamClientID: {"parclient"}},
			clientID: "codeclient",
			want:     &Error{Code: ErrorInvalidRequest, Description: "invalid client for pushed authorization request"},
		},
		{
			name:     "no client in pushed parameters",
			pushedBy: url.Values{},
			clientID: "parclient",
			want:     &Error{Code: ErrorInvalidRequest, Description: "invalid client for pushed authorization request"},
		},
		{
			name:     "client id differs in case",
			pushedBy: url.Values{ParamClientID: {"ParClient"}},
			clientID: "parclient",
			want:     &Error{Code: ErrorInvalidRequest, Description: "invalid client for pushed authorization request"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			par := &services.PushedAuthorization{ReferenceValue: "ref", Parameters: tt.pushedBy, ExpiresAt: time.Now().Add(time.Minute)}
			got := validatePushedAuthorizationBinding(par, tt.clientID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("validatePushedAuthorizationBinding() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidatePushedAuthorizationExpiration(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	expired := &Error{Code: ErrorInvalidRequest, Description: "expired pushed authorization request"}

	tests := []struct {
		name      string
		expiresAt time.Time
		want      *Error
	}{
		{name: "in the future", expiresAt: now.Add(time.Second)},
		{name: "one nanosecond left", expiresAt: now.Add(time.Nanosecond)},
		{name: "expires now", expiresAt: now, want: expired},
		{name: "in the past", expiresAt: now.Add(-time.Minute), want: expired},
		{name: "zero time", want: expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			par := &services.PushedAuthorization{
				ReferenceValue: "ref",
				Parameters:     url.Values{ParamClientID: {"parclient"}},
				ExpiresAt:      tt.expiresAt,
			}
			got := validatePushedAuthorizationExpiration(par, now)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("validatePushedAuthorizationExpiration() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPushedAuthorizationRequestValidator_Validate(t *testing.T) {
	tests := []struct {
		name     string
		params   []string
		wantCode string
	}{
		{
			name:   "valid",
			params: []string{"scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
		},
		{
			name:     "request_uri not allowed",
			params:   []string{"scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code", "request_uri", "https://client/request"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "client_id mismatch",
			params:   []string{"client_id", "codeclient", "scope", "openid", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "unknown scope",
			params:   []string{"scope", "unknown", "redirect_uri", testutil.RedirectURI, "response_type", "code"},
			wantCode: ErrorInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := NewPushedAuthorizationRequestValidator(f.authorizeValidator())
			auth := &ClientAuthentication{Client: f.client(t, "parclient")}

			result, err := v.Validate(f.ctx, params(tt.params...), auth)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := errorCode(result); got != tt.wantCode {
				t.Errorf("Validate() error code = %q (%s), want %q", got, errorDescription(result), tt.wantCode)
			}
			if tt.wantCode == "" && result.Request.Raw.Get("client_id") != "parclient" {
				t.Errorf("client_id = %q, want the authenticated client", result.Request.Raw.Get("client_id"))
			}
		})
	}
}

func TestParsePrompt(t *testing.T) {
	v := NewAuthorizeRequestValidator(AuthorizeRequestValidatorConfig{})
	tests := []struct {
		prompt  string
		want    []string
		wantErr bool
	}{
		{prompt: "", want: nil},
		{prompt: "login", want: []string{"login"}},
		{prompt: "login bogus consent", want: []string{"consent", "login"}},
		{prompt: "none", want: []string{"none"}},
		{prompt: "none consent", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got, perr := v.parsePrompt(tt.prompt)
			if (perr != nil) != tt.wantErr {
				t.Fatalf("parsePrompt(%q) error = %v, wantErr %v", tt.prompt, perr, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parsePrompt(%q) mismatch (-want +got):\n%s", tt.prompt, diff)
			}
		})
	}
}
