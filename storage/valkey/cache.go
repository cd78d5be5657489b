package valkey

import (
	"context"
	"fmt"
	"time"
)

// ============================================================
// Cache Implementation
// ============================================================

// GetString returns the cached value and whether it was present
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(s.cacheKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return v, true, nil
}

// SetString stores the value for ttl, rounded up to whole seconds
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.cacheKey(key)).Value(value).Ex(roundUpSeconds(ttl)).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// SetStringIfAbsent stores the value with SET NX and reports whether it was stored
func (s *Store) SetStringIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.cacheKey(key)).Value(value).Nx().Ex(roundUpSeconds(ttl)).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to set cache entry: %w", err)
	}
	return true, nil
}
