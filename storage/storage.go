package storage

import (
	"context"
	"time"
)

// GrantStore persists grants keyed by the hash of their handle.
//
// Individual operations are atomic per key. RemoveGrant is a delete-if-exists and
// reports whether a record was removed, which callers use to guarantee at-most-once
// consumption. GetAllGrants and RemoveAllGrants return ErrInvalidFilter for an empty
// filter.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// StoreGrant inserts or replaces the grant with the same key
	StoreGrant(ctx context.Context, grant *PersistedGrant) error

	// GetGrant returns the grant or ErrNotFound
	GetGrant(ctx context.Context, key string) (*PersistedGrant, error)

	// GetAllGrants returns every grant matching the filter
	GetAllGrants(ctx context.Context, filter GrantFilter) ([]*PersistedGrant, error)

	// RemoveGrant deletes the grant and reports whether it existed
	RemoveGrant(ctx context.Context, key string) (bool, error)

	// RemoveAllGrants deletes every grant matching the filter and returns the count
	RemoveAllGrants(ctx context.Context, filter GrantFilter) (int, error)
}

// PushedAuthorizationRequestStore persists pushed authorization requests by reference hash.
// All methods accept context.Context for tracing and cancellation.
type PushedAuthorizationRequestStore interface {
	// StorePushedAuthorizationRequest stores a new request. A request with the same
	// reference hash already present yields ErrAlreadyExists.
	StorePushedAuthorizationRequest(ctx context.Context, par *PushedAuthorizationRequest) error

	// GetPushedAuthorizationRequest returns the request or ErrNotFound
	GetPushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (*PushedAuthorizationRequest, error)

	// ConsumePushedAuthorizationRequest deletes the request and returns how many records were removed
	ConsumePushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (int, error)
}

// ServerSideSessionStore persists authentication sessions.
// All methods accept context.Context for tracing and cancellation.
type ServerSideSessionStore interface {
	// CreateSession stores a new session
	CreateSession(ctx context.Context, session *ServerSideSession) error

	// GetSession returns the session or ErrNotFound
	GetSession(ctx context.Context, key string) (*ServerSideSession, error)

	// UpdateSession replaces an existing session
	UpdateSession(ctx context.Context, session *ServerSideSession) error

	// DeleteSession removes a session
	DeleteSession(ctx context.Context, key string) error

	// GetSessions returns the sessions matching the filter
	GetSessions(ctx context.Context, filter SessionFilter) ([]*ServerSideSession, error)

	// DeleteSessions removes the sessions matching the filter and returns the count
	DeleteSessions(ctx context.Context, filter SessionFilter) (int, error)

	// GetAndRemoveExpiredSessions removes up to count sessions expired at now and returns them
	GetAndRemoveExpiredSessions(ctx context.Context, now time.Time, count int) ([]*ServerSideSession, error)
}

// ClientStore is the read-only client registry.
type ClientStore interface {
	// FindClientByID returns the client or ErrNotFound
	FindClientByID(ctx context.Context, clientID string) (*Client, error)
}

// ResourceStore is the read-only scope and API registry.
type ResourceStore interface {
	// FindEnabledResourcesByScope returns the enabled identity resources and API scopes named
	// in scopeNames, plus the enabled API resources that expose any of those scopes.
	FindEnabledResourcesByScope(ctx context.Context, scopeNames []string) (*Resources, error)

	// FindAPIResourcesByName returns the API resources with the given names
	FindAPIResourcesByName(ctx context.Context, names []string) ([]*APIResource, error)
}

// Cache is a string cache with per-entry expiration shared between server instances.
type Cache interface {
	// GetString returns the value and whether it was present
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetString stores the value for ttl
	SetString(ctx context.Context, key, value string, ttl time.Duration) error

	// SetStringIfAbsent stores the value for ttl only if the key is absent and reports whether it did
	SetStringIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
