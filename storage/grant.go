package storage

import "time"

// Persisted grant types
const (
	AuthorizationCodeGrantType  = "authorization_code"
	RefreshTokenGrantType       = "refresh_token"
	ReferenceTokenGrantType     = "reference_token"
	UserConsentGrantType        = "user_consent"
	DeviceCodeGrantType         = "device_code"
	BackchannelRequestGrantType = "backchannel_request"
)

// AllGrantTypes lists every persisted grant type in cleanup order.
var AllGrantTypes = []string{
	AuthorizationCodeGrantType,
	RefreshTokenGrantType,
	ReferenceTokenGrantType,
	UserConsentGrantType,
	DeviceCodeGrantType,
	BackchannelRequestGrantType,
}

// PersistedGrant is a stored, expiring, handle-keyed protocol artifact.
//
// Key is the hash of the handle returned to the client. ConsumedTime is set at most
// once and never cleared.
type PersistedGrant struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	ClientID     string     `json:"client_id"`
	SubjectID    string     `json:"subject_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
	ConsumedTime *time.Time `json:"consumed_time,omitempty"`
	Data         string     `json:"data"`
}

// HasExpired reports whether the grant has an expiration at or before now.
func (g *PersistedGrant) HasExpired(now time.Time) bool {
	return g.Expiration != nil && !g.Expiration.After(now)
}

// IsConsumed reports whether the grant has been marked consumed.
func (g *PersistedGrant) IsConsumed() bool {
	return g.ConsumedTime != nil
}

// Clone returns a copy that shares no pointers with g.
func (g *PersistedGrant) Clone() *PersistedGrant {
	c := *g
	if g.Expiration != nil {
		exp := *g.Expiration
		c.Expiration = &exp
	}
	if g.ConsumedTime != nil {
		consumed := *g.ConsumedTime
		c.ConsumedTime = &consumed
	}
	return &c
}
