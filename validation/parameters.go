package validation

import (
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/storage"
)

// Request parameter names
const (
	ParamClientID              = "client_id"
	ParamClientSecret          = "client_secret"
	ParamClientAssertion       = "client_assertion"
	ParamClientAssertionType   = "client_assertion_type"
	ParamResponseType          = "response_type"
	ParamResponseMode          = "response_mode"
	ParamRedirectURI           = "redirect_uri"
	ParamScope                 = "scope"
	ParamState                 = "state"
	ParamNonce                 = "nonce"
	ParamPrompt                = "prompt"
	ParamSuppressedPrompt      = "suppressed_prompt"
	ParamMaxAge                = "max_age"
	ParamUILocales             = "ui_locales"
	ParamDisplay               = "display"
	ParamLoginHint             = "login_hint"
	ParamLoginHintToken        = "login_hint_token"
	ParamIDTokenHint           = "id_token_hint"
	ParamACRValues             = "acr_values"
	ParamCodeChallenge         = "code_challenge"
	ParamCodeChallengeMethod   = "code_challenge_method"
	ParamCodeVerifier          = "code_verifier"
	ParamRequest               = "request"
	ParamRequestURI            = "request_uri"
	ParamResource              = "resource"
	ParamGrantType             = "grant_type"
	ParamCode                  = "code"
	ParamRefreshToken          = "refresh_token"
	ParamDeviceCode            = "device_code"
	ParamAuthRequestID         = "auth_req_id"
	ParamToken                 = "token"
	ParamTokenTypeHint         = "token_type_hint"
	ParamPostLogoutRedirectURI = "post_logout_redirect_uri"
	ParamBindingMessage        = "binding_message"
	ParamUserCode              = "user_code"
	ParamRequestedExpiry       = "requested_expiry"
)

// Response types in canonical (sorted) order
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Prompt values
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
	PromptCreate        = "create"
)

// Display values
const (
	DisplayPage  = "page"
	DisplayPopup = "popup"
	DisplayTouch = "touch"
	DisplayWap   = "wap"
)

// Standard scopes
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Token type hints
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// PushedAuthorizationRequestURIPrefix prefixes the reference value of a pushed
// authorization request in request_uri.
const PushedAuthorizationRequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// acr_values prefixes carrying the identity provider and tenant
const (
	acrPrefixIdP    = "idp:"
	acrPrefixTenant = "tenant:"
)

var responseTypeGrantTypes = map[string]string{
	ResponseTypeCode:             storage.GrantTypeAuthorizationCode,
	ResponseTypeToken:            storage.GrantTypeImplicit,
	ResponseTypeIDToken:          storage.GrantTypeImplicit,
	ResponseTypeIDTokenToken:     storage.GrantTypeImplicit,
	ResponseTypeCodeIDToken:      storage.GrantTypeHybrid,
	ResponseTypeCodeToken:        storage.GrantTypeHybrid,
	ResponseTypeCodeIDTokenToken: storage.GrantTypeHybrid,
}

// scopeRequirement is the kind of scopes a response type needs
type scopeRequirement int

const (
	scopeRequirementNone scopeRequirement = iota
	scopeRequirementResourceOnly
	scopeRequirementIdentityOnly
	scopeRequirementIdentity
)

var responseTypeScopeRequirements = map[string]scopeRequirement{
	ResponseTypeCode:             scopeRequirementNone,
	ResponseTypeToken:            scopeRequirementResourceOnly,
	ResponseTypeIDToken:          scopeRequirementIdentityOnly,
	ResponseTypeIDTokenToken:     scopeRequirementIdentity,
	ResponseTypeCodeIDToken:      scopeRequirementIdentity,
	ResponseTypeCodeToken:        scopeRequirementIdentity,
	ResponseTypeCodeIDTokenToken: scopeRequirementIdentity,
}

var allowedResponseModes = map[string][]string{
	storage.GrantTypeAuthorizationCode: {ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost},
	storage.GrantTypeHybrid:            {ResponseModeFragment, ResponseModeFormPost},
	storage.GrantTypeImplicit:          {ResponseModeFragment, ResponseModeFormPost},
}

var supportedResponseModes = []string{ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost}

var supportedDisplayModes = []string{DisplayPage, DisplayPopup, DisplayTouch, DisplayWap}

// DefaultPromptValuesSupported lists the prompt values understood by default
var DefaultPromptValuesSupported = []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount, PromptCreate}

// normalizeResponseType returns the canonical form of a space-delimited response_type.
// Token order is irrelevant: "token id_token" and "id_token token" are the same type.
func normalizeResponseType(responseType string) string {
	return util.JoinSpaceDelimited(util.ParseSpaceDelimited(responseType))
}

// defaultResponseMode is query for the code flow and fragment otherwise
func defaultResponseMode(grantType string) string {
	if grantType == storage.GrantTypeAuthorizationCode {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}

func responseTypeIncludes(responseType, value string) bool {
	return slices.Contains(strings.Fields(responseType), value)
}

// cloneValues deep-copies a parameter set so that steps never alias the caller's map
func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for k, v := range values {
		out[k] = slices.Clone(v)
	}
	return out
}

// isValidResourceIndicator reports whether value is an absolute URI without fragment
func isValidResourceIndicator(value string) bool {
	if !util.IsAbsoluteURI(value) {
		return false
	}
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return u.Fragment == "" && !strings.Contains(value, "#")
}

func tooLong(value string, limit int) bool {
	return limit > 0 && len(value) > limit
}
