package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultKeyCacheDuration is how long loaded signing keys are cached
const DefaultKeyCacheDuration = 24 * time.Hour

// ErrNoSigningKey is returned when no signing key is available
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKeyCache holds the current set of signing keys until it expires. Expiration
// is checked on read.
type SigningKeyCache struct {
	mu      sync.Mutex
	keys    []jose.JSONWebKey
	expires time.Time
	now     func() time.Time
}

// NewSigningKeyCache creates an empty cache. now may be nil.
func NewSigningKeyCache(now func() time.Time) *SigningKeyCache {
	if now == nil {
		now = time.Now
	}
	return &SigningKeyCache{now: now}
}

// GetKeys returns the cached keys, or nil when the cache is empty or expired.
func (c *SigningKeyCache) GetKeys() []jose.JSONWebKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil || c.now().After(c.expires) {
		return nil
	}
	return c.keys
}

// StoreKeys caches keys for duration.
func (c *SigningKeyCache) StoreKeys(keys []jose.JSONWebKey, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expires = c.now().Add(duration)
}

// KeyLoader returns the private signing keys, the first one being the active key.
type KeyLoader func(ctx context.Context) ([]jose.JSONWebKey, error)

// StaticKeys returns a KeyLoader serving a fixed key set.
func StaticKeys(keys ...jose.JSONWebKey) KeyLoader {
	return func(context.Context) ([]jose.JSONWebKey, error) {
		return keys, nil
	}
}

// KeyMaterialService serves signing and validation keys loaded through a KeyLoader.
type KeyMaterialService struct {
	load     KeyLoader
	cache    *SigningKeyCache
	duration time.Duration
}

// NewKeyMaterialService creates the service. A non-positive duration uses
// DefaultKeyCacheDuration.
func NewKeyMaterialService(load KeyLoader, cache *SigningKeyCache, duration time.Duration) *KeyMaterialService {
	if cache == nil {
		cache = NewSigningKeyCache(nil)
	}
	if duration <= 0 {
		duration = DefaultKeyCacheDuration
	}
	return &KeyMaterialService{load: load, cache: cache, duration: duration}
}

func (k *KeyMaterialService) keys(ctx context.Context) ([]jose.JSONWebKey, error) {
	if keys := k.cache.GetKeys(); keys != nil {
		return keys, nil
	}
	keys, err := k.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	for _, key := range keys {
		if !key.Valid() || key.IsPublic() {
			return nil, fmt.Errorf("signing key %q is not a valid private key", key.KeyID)
		}
	}
	k.cache.StoreKeys(keys, k.duration)
	return keys, nil
}

// SigningKey returns the active private signing key.
func (k *KeyMaterialService) SigningKey(ctx context.Context) (*jose.JSONWebKey, error) {
	keys, err := k.keys(ctx)
	if err != nil {
		return nil, err
	}
	key := keys[0]
	return &key, nil
}

// ValidationKeys returns the public keys of every loaded key.
func (k *KeyMaterialService) ValidationKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := k.keys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		set.Keys = append(set.Keys, key.Public())
	}
	return set, nil
}
