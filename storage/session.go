package storage

import "time"

// ServerSideSession is an authentication session tracked by the server.
// Data holds the serialized authentication ticket.
type ServerSideSession struct {
	Key         string     `json:"key"`
	Scheme      string     `json:"scheme"`
	SubjectID   string     `json:"subject_id"`
	SessionID   string     `json:"session_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Created     time.Time  `json:"created"`
	Renewed     time.Time  `json:"renewed"`
	Expires     *time.Time `json:"expires,omitempty"`
	Data        string     `json:"data,omitempty"`
}

// HasExpired reports whether the session has an expiry at or before now.
func (s *ServerSideSession) HasExpired(now time.Time) bool {
	return s.Expires != nil && !s.Expires.After(now)
}

// Clone returns a copy that shares no pointers with s.
func (s *ServerSideSession) Clone() *ServerSideSession {
	c := *s
	if s.Expires != nil {
		exp := *s.Expires
		c.Expires = &exp
	}
	return &c
}
