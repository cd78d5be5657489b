package validation

import (
	"context"
	"net/url"
)

// PushedAuthorizationRequestValidator validates requests at the pushed authorization
// endpoint. The client is authenticated beforehand by ClientSecretValidator.
type PushedAuthorizationRequestValidator struct {
	authorize *AuthorizeRequestValidator
}

// NewPushedAuthorizationRequestValidator creates the validator on top of the authorize
// request rules.
func NewPushedAuthorizationRequestValidator(authorize *AuthorizeRequestValidator) *PushedAuthorizationRequestValidator {
	return &PushedAuthorizationRequestValidator{authorize: authorize}
}

// Validate checks the pushed parameters for the authenticated client. On success the
// returned request's Raw holds the parameters to store.
func (v *PushedAuthorizationRequestValidator) Validate(ctx context.Context, raw url.Values, auth *ClientAuthentication) (*Result[AuthorizeRequest], error) {
	req := AuthorizeRequest{
		RequestType: RequestTypePushedAuthorization,
		Raw:         cloneValues(raw),
		Client:      auth.Client,
		ClientID:    auth.Client.ClientID,
	}

	if raw.Get(ParamRequestURI) != "" {
		return v.fail(ctx, req, newError(ErrorInvalidRequest, "Pushed authorization cannot use request_uri")), nil
	}
	if clientID := raw.Get(ParamClientID); clientID != "" && clientID != auth.Client.ClientID {
		return v.fail(ctx, req, newError(ErrorInvalidRequest, "client_id does not match authenticated client")), nil
	}
	req.Raw.Set(ParamClientID, auth.Client.ClientID)

	return v.authorize.validate(ctx, req, "pushed_authorization")
}

func (v *PushedAuthorizationRequestValidator) fail(ctx context.Context, req AuthorizeRequest, perr *Error) *Result[AuthorizeRequest] {
	v.authorize.logger.Warn("Pushed authorization request validation failed",
		"client_id", req.ClientID,
		"error", perr.Code,
		"error_description", perr.Description)
	v.authorize.auditor.LogValidationFailure(ctx, "pushed_authorization", req.ClientID, perr.Code, perr.Description)
	return invalid(req, perr)
}
