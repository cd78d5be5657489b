package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when the token endpoint issues tokens
	EventTokenIssued = "token_issued"

	// EventRefreshTokenUpdated is logged when a refresh token is updated or rotated on use
	EventRefreshTokenUpdated = "refresh_token_updated"

	// EventRefreshTokenReuseDetected is logged when a consumed one-time refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRevoked is logged when grants are removed because their session ended
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed authorization code is redeemed again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPushedAuthorizationRequestStored is logged when a pushed authorization request is stored
	EventPushedAuthorizationRequestStored = "pushed_authorization_request_stored"

	// EventBackchannelAuthenticationStarted is logged when a backchannel authentication request is accepted
	EventBackchannelAuthenticationStarted = "backchannel_authentication_started"

	// EventBackchannelAuthenticationCompleted is logged when the user approves or denies a backchannel request
	EventBackchannelAuthenticationCompleted = "backchannel_authentication_completed"

	// Security violation events

	// EventValidationFailure is logged when a protocol request fails validation
	EventValidationFailure = "validation_failure"

	// EventClientAuthenticationFailed is logged when client credentials are rejected
	EventClientAuthenticationFailed = "client_authentication_failed"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventJWTReplayDetected is logged when a request object jti is seen twice
	EventJWTReplayDetected = "jwt_replay_detected"

	// EventRateLimitExceeded is logged when a per-client rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRequestURIFetchBlocked is logged when a request_uri targets a non-public address
	EventRequestURIFetchBlocked = "request_uri_fetch_blocked"

	// Session events

	// EventSessionExpired is logged when an expired server-side session is processed
	EventSessionExpired = "session_expired"

	// EventSessionInvalid is logged when a grant references a session that no longer exists
	EventSessionInvalid = "session_invalid"

	// EventUserSignedOut is logged when an end session request is accepted
	EventUserSignedOut = "user_signed_out"
)
