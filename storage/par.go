package storage

import "time"

// PushedAuthorizationRequest is a stored pushed authorization parameter set.
//
// Only the hash of the reference value is stored. Parameters holds the serialized
// and optionally encrypted raw request parameters.
type PushedAuthorizationRequest struct {
	ID                 string    `json:"id"`
	ReferenceValueHash string    `json:"reference_value_hash"`
	ExpiresAt          time.Time `json:"expires_at"`
	Parameters         string    `json:"parameters"`
}

// HasExpired reports whether the request expired at or before now.
func (p *PushedAuthorizationRequest) HasExpired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}
