package oidc

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ==================== Discovery ====================

// DiscoveryDocument represents OpenID Provider Metadata (OpenID Connect Discovery 1.0,
// RFC 8414, RFC 9126, CIBA)
type DiscoveryDocument struct {
	// Issuer is the issuer identifier URL
	Issuer string `json:"issuer"`

	// JWKSURI is the URL of the signing key set
	JWKSURI string `json:"jwks_uri"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint"`

	// EndSessionEndpoint is the URL of the RP-initiated logout endpoint
	EndSessionEndpoint string `json:"end_session_endpoint"`

	// PushedAuthorizationRequestEndpoint is the URL of the PAR endpoint
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	// RequirePushedAuthorizationRequests tells clients every request must be pushed
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests,omitempty"`

	// BackchannelAuthenticationEndpoint is the URL of the CIBA endpoint
	BackchannelAuthenticationEndpoint string `json:"backchannel_authentication_endpoint"`

	// BackchannelTokenDeliveryModesSupported lists the CIBA delivery modes
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported"`

	// BackchannelUserCodeParameterSupported reports user_code support
	BackchannelUserCodeParameterSupported bool `json:"backchannel_user_code_parameter_supported"`

	// GrantTypesSupported lists the grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// ResponseTypesSupported lists the response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// ResponseModesSupported lists the response modes supported
	ResponseModesSupported []string `json:"response_modes_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// SubjectTypesSupported is always public
	SubjectTypesSupported []string `json:"subject_types_supported"`

	// IDTokenSigningAlgValuesSupported lists the identity token signing algorithms
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// RequestParameterSupported and RequestURIParameterSupported report request object support
	RequestParameterSupported    bool `json:"request_parameter_supported"`
	RequestURIParameterSupported bool `json:"request_uri_parameter_supported"`

	// PromptValuesSupported lists the accepted prompt values
	PromptValuesSupported []string `json:"prompt_values_supported,omitempty"`

	// AuthorizationResponseIssParameterSupported reports the iss response parameter (RFC 9207)
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`
}

// ==================== Introspection ====================

// IntrospectionResponse represents a token introspection response (RFC 7662).
// Inactive tokens only carry Active.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	JWTID     string   `json:"jti,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}
