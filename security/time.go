package security

import "time"

const (
	// DefaultClockSkew is the tolerance applied to JWT time claims (exp, nbf, iat) in
	// request objects and id_token_hint values. Clients and the server rarely share an
	// exact clock.
	DefaultClockSkew = 5 * time.Minute
)

// IsExpired reports whether expiresAt lies more than skew before now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(skew))
}

// IsNotYetValid reports whether notBefore lies more than skew after now.
// A zero notBefore is always valid.
func IsNotYetValid(notBefore, now time.Time, skew time.Duration) bool {
	if notBefore.IsZero() {
		return false
	}
	return notBefore.Add(-skew).After(now)
}

// RemainingLifetime returns the time left until expiresAt, never negative.
func RemainingLifetime(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
