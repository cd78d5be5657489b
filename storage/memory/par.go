package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// PushedAuthorizationRequestStore Implementation
// ============================================================

// StorePushedAuthorizationRequest stores a pushed request. A request with the same
// reference hash yields storage.ErrAlreadyExists.
func (s *Store) StorePushedAuthorizationRequest(ctx context.Context, par *storage.PushedAuthorizationRequest) error {
	ctx, span := s.startStorageSpan(ctx, "store_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "store_par", err, startTime)
	}()

	if par == nil || par.ReferenceValueHash == "" {
		err = fmt.Errorf("reference value hash is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pars[par.ReferenceValueHash]; exists {
		err = storage.ErrAlreadyExists
		return err
	}
	c := *par
	s.pars[par.ReferenceValueHash] = &c
	s.syncCounters()
	return nil
}

// GetPushedAuthorizationRequest returns a copy of the request or storage.ErrNotFound
func (s *Store) GetPushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (*storage.PushedAuthorizationRequest, error) {
	ctx, span := s.startStorageSpan(ctx, "get_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_par", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	par, ok := s.pars[referenceValueHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *par
	return &c, nil
}

// ConsumePushedAuthorizationRequest deletes the request and returns the number removed
func (s *Store) ConsumePushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_par", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pars[referenceValueHash]; !ok {
		return 0, nil
	}
	delete(s.pars, referenceValueHash)
	s.syncCounters()
	return 1, nil
}

// RemoveExpiredPushedAuthorizationRequests deletes every request expired at now
func (s *Store) RemoveExpiredPushedAuthorizationRequests(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_expired_pars")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "remove_expired_pars", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, par := range s.pars {
		if par.HasExpired(now) {
			delete(s.pars, key)
			removed++
		}
	}
	s.syncCounters()
	return removed, nil
}
