// Package services contains the stateful protocol services used by the validators and
// response generators.
//
// # Session Coordination
//
// SessionCoordinationService ties refresh and reference token lifetimes to the
// server-side authentication session. When a session ends, by logout or expiration,
// the tokens issued within it are removed for every client that coordinates its token
// lifetime with the user session. Refresh token validation consults the service so a
// deleted session invalidates its refresh tokens even before they expire.
//
// # Refresh Tokens
//
// DefaultRefreshTokenService validates, creates and updates refresh tokens according
// to the client's usage (ReUse or OneTimeOnly) and expiration (Absolute or Sliding)
// policies. ServerSideSessionRefreshTokenService decorates any RefreshTokenService with
// session coordination.
//
// # Polling and Replay
//
// PollingThrottle implements the slow_down contract for device and backchannel polling
// on top of a storage.Cache. ReplayCache records JWT ids so a request object or client
// assertion can only be used once.
//
// # Pushed Authorization
//
// PushedAuthorizationService stores pushed parameter sets by the hash of their
// reference value and consumes them on first use.
//
// # Keys
//
// KeyMaterialService serves signing and validation keys through an explicitly
// constructed SigningKeyCache.
package services
