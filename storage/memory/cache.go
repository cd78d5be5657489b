package memory

import (
	"context"
	"time"
)

// cachePruneThreshold is the entry count above which writes sweep expired entries
const cachePruneThreshold = 1024

// ============================================================
// Cache Implementation
// ============================================================

// GetString returns the cached value if present and not expired
func (s *Store) GetString(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || !entry.expiresAt.After(s.now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetString stores the value for ttl
func (s *Store) SetString(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneCache(now)
	s.cache[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// SetStringIfAbsent stores the value only if no unexpired entry exists for key
func (s *Store) SetStringIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.cache[key]; ok && entry.expiresAt.After(now) {
		return false, nil
	}
	s.pruneCache(now)
	s.cache[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// pruneCache drops expired entries once the cache grows past the threshold.
// Callers must hold s.mu.
func (s *Store) pruneCache(now time.Time) {
	if len(s.cache) < cachePruneThreshold {
		return
	}
	for key, entry := range s.cache {
		if !entry.expiresAt.After(now) {
			delete(s.cache, key)
		}
	}
}
