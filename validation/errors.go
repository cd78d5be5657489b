package validation

// OAuth 2.0, OpenID Connect, CIBA and resource indicator error codes
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidTarget           = "invalid_target"
	ErrorInvalidToken            = "invalid_token"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorInvalidRequestURI       = "invalid_request_uri"
	ErrorInvalidRequestObject    = "invalid_request_object"
	ErrorRequestURINotSupported  = "request_uri_not_supported"
	ErrorAuthorizationPending    = "authorization_pending"
	ErrorSlowDown                = "slow_down"
	ErrorExpiredToken            = "expired_token"
	ErrorAccessDenied            = "access_denied"
	ErrorInvalidBindingMessage   = "invalid_binding_message"
	ErrorUnknownUserID           = "unknown_user_id"
	ErrorLoginRequired           = "login_required"
)

// Error is a protocol error returned to the client.
// Description never contains internal details.
type Error struct {
	Code        string
	Description string
}

func newError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// String returns "code: description" for logging.
func (e *Error) String() string {
	if e == nil {
		return ""
	}
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}
