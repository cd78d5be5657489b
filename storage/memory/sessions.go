package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// ServerSideSessionStore Implementation
// ============================================================

// CreateSession stores a new session. An existing key yields storage.ErrAlreadyExists.
func (s *Store) CreateSession(ctx context.Context, session *storage.ServerSideSession) error {
	ctx, span := s.startStorageSpan(ctx, "create_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "create_session", err, startTime)
	}()

	if session == nil || session.Key == "" {
		err = fmt.Errorf("session key is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.Key]; exists {
		err = storage.ErrAlreadyExists
		return err
	}
	s.sessions[session.Key] = session.Clone()
	s.syncCounters()
	return nil
}

// GetSession returns a copy of the session or storage.ErrNotFound
func (s *Store) GetSession(ctx context.Context, key string) (*storage.ServerSideSession, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return session.Clone(), nil
}

// UpdateSession replaces an existing session or returns storage.ErrNotFound
func (s *Store) UpdateSession(ctx context.Context, session *storage.ServerSideSession) error {
	ctx, span := s.startStorageSpan(ctx, "update_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "update_session", err, startTime)
	}()

	if session == nil {
		err = fmt.Errorf("session is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.Key]; !ok {
		err = storage.ErrNotFound
		return err
	}
	s.sessions[session.Key] = session.Clone()
	return nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	s.syncCounters()
	return nil
}

// GetSessions returns copies of the sessions matching the filter
func (s *Store) GetSessions(ctx context.Context, filter storage.SessionFilter) ([]*storage.ServerSideSession, error) {
	ctx, span := s.startStorageSpan(ctx, "get_sessions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_sessions", err, startTime)
	}()

	if err = filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ServerSideSession
	for _, session := range s.sessions {
		if filter.Matches(session) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// DeleteSessions removes the sessions matching the filter
func (s *Store) DeleteSessions(ctx context.Context, filter storage.SessionFilter) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_sessions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_sessions", err, startTime)
	}()

	if err = filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, session := range s.sessions {
		if filter.Matches(session) {
			delete(s.sessions, key)
			removed++
		}
	}
	s.syncCounters()
	return removed, nil
}

// GetAndRemoveExpiredSessions removes up to count sessions expired at now, oldest expiry first
func (s *Store) GetAndRemoveExpiredSessions(ctx context.Context, now time.Time, count int) ([]*storage.ServerSideSession, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_expired_sessions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "remove_expired_sessions", err, startTime)
	}()

	if count <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*storage.ServerSideSession
	for _, session := range s.sessions {
		if session.HasExpired(now) {
			expired = append(expired, session)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Expires.Before(*expired[j].Expires)
	})
	if len(expired) > count {
		expired = expired[:count]
	}

	out := make([]*storage.ServerSideSession, 0, len(expired))
	for _, session := range expired {
		delete(s.sessions, session.Key)
		out = append(out, session.Clone())
	}
	s.syncCounters()
	return out, nil
}
