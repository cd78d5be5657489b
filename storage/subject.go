package storage

import "time"

// Subject is an authenticated end user as seen by the protocol engine.
type Subject struct {
	ID                    string         `json:"sub"`
	SessionID             string         `json:"sid,omitempty"`
	DisplayName           string         `json:"name,omitempty"`
	AuthTime              time.Time      `json:"auth_time"`
	IdentityProvider      string         `json:"idp,omitempty"`
	AuthenticationMethods []string       `json:"amr,omitempty"`
	Claims                map[string]any `json:"claims,omitempty"`
}

// IsAuthenticated reports whether s refers to an authenticated user.
func (s *Subject) IsAuthenticated() bool {
	return s != nil && s.ID != ""
}

// SubjectID returns the subject identifier or "" for anonymous users.
func (s *Subject) SubjectID() string {
	if s == nil {
		return ""
	}
	return s.ID
}
