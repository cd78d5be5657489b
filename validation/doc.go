// Package validation turns raw, untrusted protocol parameters into validated requests.
//
// Each endpoint has its own validator: AuthorizeRequestValidator,
// PushedAuthorizationRequestValidator, TokenRequestValidator,
// BackchannelAuthenticationRequestValidator, IntrospectionRequestValidator and
// EndSessionRequestValidator. Client credentials are checked beforehand by
// ClientSecretValidator.
//
// # Results
//
// Validators return a *Result and an error. The Result carries either the validated
// request or a protocol *Error (an OAuth 2.0 error code plus a description that is
// safe to return to the client). A non-nil Go error means validity could not be
// determined: a store was unreachable, a request object could not be fetched or the
// context was canceled. Endpoints map the former to a 4xx response and the latter to
// a 5xx response.
//
// # Pipelines
//
// Validation runs as a fixed sequence of steps. Every step receives a copy of the
// request state and returns a more complete copy, or stops the pipeline with a
// protocol error. Steps never modify the caller's parameter set; request objects and
// pushed authorization requests replace the parameters on a cloned value.
//
// The authorize pipeline runs:
//
//	client -> pushed authorization -> request object -> redirect_uri ->
//	response_type / response_mode / PKCE -> scope and resources -> optional parameters
//
// Once redirect_uri has been validated, Result.Request.RedirectURI is set and error
// responses may be delivered to the client by redirect.
package validation
