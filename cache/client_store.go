package cache

import (
	"context"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// DefaultClientCacheExpiration is how long a loaded client stays cached
const DefaultClientCacheExpiration = 15 * time.Minute

// CachingClientStore caches client lookups of an inner store. Unknown clients are not cached.
type CachingClientStore struct {
	inner storage.ClientStore
	cache *Cache[string, *storage.Client]
}

var _ storage.ClientStore = (*CachingClientStore)(nil)

// NewCachingClientStore wraps inner. A non-positive expiration uses DefaultClientCacheExpiration.
func NewCachingClientStore(inner storage.ClientStore, expiration time.Duration) *CachingClientStore {
	if expiration <= 0 {
		expiration = DefaultClientCacheExpiration
	}
	return &CachingClientStore{
		inner: inner,
		cache: New[string, *storage.Client](inner.FindClientByID, expiration),
	}
}

// SetClock replaces the time source used for expiration.
func (s *CachingClientStore) SetClock(now func() time.Time) {
	s.cache.SetClock(now)
}

// FindClientByID returns the cached client or loads it from the inner store.
func (s *CachingClientStore) FindClientByID(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.cache.Get(ctx, clientID)
}

// Invalidate evicts the cached client so the next lookup reloads it.
func (s *CachingClientStore) Invalidate(clientID string) {
	s.cache.Remove(clientID)
}
