package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// StoreGrant inserts or replaces a grant
func (s *Store) StoreGrant(ctx context.Context, grant *storage.PersistedGrant) error {
	ctx, span := s.startStorageSpan(ctx, "store_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "store_grant", err, startTime)
	}()

	if grant == nil || grant.Key == "" {
		err = fmt.Errorf("grant key is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.Key] = grant.Clone()
	s.syncCounters()
	return nil
}

// GetGrant returns a copy of the grant or storage.ErrNotFound
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return grant.Clone(), nil
}

// GetAllGrants returns copies of every grant matching the filter
func (s *Store) GetAllGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.PersistedGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_all_grants")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_all_grants", err, startTime)
	}()

	if err = filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.PersistedGrant
	for _, g := range s.grants {
		if filter.Matches(g) {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

// RemoveGrant deletes a grant and reports whether it existed.
// Concurrent callers racing on the same key see true at most once.
func (s *Store) RemoveGrant(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "remove_grant", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[key]; !ok {
		return false, nil
	}
	delete(s.grants, key)
	s.syncCounters()
	return true, nil
}

// RemoveAllGrants deletes every grant matching the filter
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_all_grants")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "remove_all_grants", err, startTime)
	}()

	if err = filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, g := range s.grants {
		if filter.Matches(g) {
			delete(s.grants, key)
			removed++
		}
	}
	s.syncCounters()

	if removed > 0 {
		s.logger.Debug("Removed grants",
			"subject_id", filter.SubjectID,
			"session_id", filter.SessionID,
			"count", removed)
	}
	return removed, nil
}
