package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// ServerSideSessionStore Implementation
// ============================================================

func (s *Store) sessionIndexes(session *storage.ServerSideSession) []string {
	var indexes []string
	if session.SubjectID != "" {
		indexes = append(indexes, s.sessionIndexKey("sub", session.SubjectID))
	}
	if session.SessionID != "" {
		indexes = append(indexes, s.sessionIndexKey("sid", session.SessionID))
	}
	return indexes
}

// writeSession builds the commands that persist and index a session.
// condition is "NX" for create and "XX" for update.
func (s *Store) writeSession(ctx context.Context, session *storage.ServerSideSession, condition string) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errRecordTooLarge
	}

	key := s.sessionKey(session.Key)
	set := s.client.B().Set().Key(key).Value(string(data))
	var cmd valkeygo.Completed
	switch {
	case condition == "NX" && session.Expires != nil:
		cmd = set.Nx().Ex(s.ttlUntil(*session.Expires)).Build()
	case condition == "NX":
		cmd = set.Nx().Build()
	case session.Expires != nil:
		cmd = set.Xx().Ex(s.ttlUntil(*session.Expires)).Build()
	default:
		cmd = set.Xx().Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if isNilError(err) {
			if condition == "NX" {
				return storage.ErrAlreadyExists
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to write session: %w", err)
	}

	cmds := make([]valkeygo.Completed, 0, 3)
	for _, index := range s.sessionIndexes(session) {
		cmds = append(cmds, s.client.B().Sadd().Key(index).Member(session.Key).Build())
	}
	if session.Expires != nil {
		cmds = append(cmds, s.client.B().Zadd().Key(s.sessionExpiryKey()).ScoreMember().
			ScoreMember(float64(session.Expires.UnixMilli()), session.Key).Build())
	} else {
		cmds = append(cmds, s.client.B().Zrem().Key(s.sessionExpiryKey()).Member(session.Key).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to index session: %w", err)
		}
	}
	return nil
}

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
	err = s.writeSession(ctx, session, "NX")
	return err
}

// GetSession returns the session or storage.ErrNotFound
func (s *Store) GetSession(ctx context.Context, key string) (*storage.ServerSideSession, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = nil
			return nil, storage.ErrNotFound
		}
		err = fmt.Errorf("failed to get session: %w", err)
		return nil, err
	}

	var session storage.ServerSideSession
	if err = json.Unmarshal([]byte(data), &session); err != nil {
		err = fmt.Errorf("failed to unmarshal session: %w", err)
		return nil, err
	}
	return &session, nil
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

	if session == nil || session.Key == "" {
		err = fmt.Errorf("session key is required")
		return err
	}
	err = s.writeSession(ctx, session, "XX")
	return err
}

// removeSession deletes a session and its index entries, reporting whether the record existed
func (s *Store) removeSession(ctx context.Context, key string) (*storage.ServerSideSession, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(key)).Build()).ToString()
	if err != nil && !isNilError(err) {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(key)).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	cmds := []valkeygo.Completed{s.client.B().Zrem().Key(s.sessionExpiryKey()).Member(key).Build()}
	var session *storage.ServerSideSession
	if data != "" {
		var decoded storage.ServerSideSession
		if err := json.Unmarshal([]byte(data), &decoded); err == nil {
			session = &decoded
			for _, index := range s.sessionIndexes(session) {
				cmds = append(cmds, s.client.B().Srem().Key(index).Member(key).Build())
			}
		}
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			s.logger.Warn("Failed to unindex session", "error", err)
		}
	}

	if n == 0 {
		return nil, nil
	}
	return session, nil
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

	_, err = s.removeSession(ctx, key)
	return err
}

// GetSessions returns the sessions matching the filter
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

	index := s.sessionIndexKey("sub", filter.SubjectID)
	if filter.SessionID != "" {
		index = s.sessionIndexKey("sid", filter.SessionID)
	}

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(index).Build()).AsStrSlice()
	if err != nil {
		err = fmt.Errorf("failed to read session index: %w", err)
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	gets := make([]valkeygo.Completed, len(members))
	for i, m := range members {
		gets[i] = s.client.B().Get().Key(s.sessionKey(m)).Build()
	}

	var out []*storage.ServerSideSession
	var stale []string
	for i, resp := range s.client.DoMulti(ctx, gets...) {
		data, verr := resp.ToString()
		if verr != nil {
			if isNilError(verr) {
				stale = append(stale, members[i])
				continue
			}
			err = fmt.Errorf("failed to load session: %w", verr)
			return nil, err
		}
		var session storage.ServerSideSession
		if uerr := json.Unmarshal([]byte(data), &session); uerr != nil {
			s.logger.Warn("Failed to unmarshal session, skipping", "error", uerr)
			continue
		}
		if filter.Matches(&session) {
			out = append(out, &session)
		}
	}

	if len(stale) > 0 {
		if perr := s.client.Do(ctx, s.client.B().Srem().Key(index).Member(stale...).Build()).Error(); perr != nil {
			s.logger.Warn("Failed to prune session index", "error", perr)
		}
	}
	return out, nil
}

// DeleteSessions removes the sessions matching the filter
func (s *Store) DeleteSessions(ctx context.Context, filter storage.SessionFilter) (int, error) {
	sessions, err := s.GetSessions(ctx, filter)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range sessions {
		deleted, err := s.removeSession(ctx, session.Key)
		if err != nil {
			return removed, err
		}
		if deleted != nil {
			removed++
		}
	}
	return removed, nil
}

// GetAndRemoveExpiredSessions removes up to count sessions expired at now, oldest expiry first.
// A session is returned only by the caller whose DEL removed it.
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

	keys, err := s.client.Do(ctx,
		s.client.B().Zrangebyscore().Key(s.sessionExpiryKey()).
			Min("-inf").
			Max(strconv.FormatInt(now.UnixMilli(), 10)).
			Limit(0, int64(count)).
			Build(),
	).AsStrSlice()
	if err != nil {
		err = fmt.Errorf("failed to read session expiry index: %w", err)
		return nil, err
	}

	var out []*storage.ServerSideSession
	for _, key := range keys {
		session, rerr := s.removeSession(ctx, key)
		if rerr != nil {
			err = rerr
			return out, err
		}
		if session != nil {
			out = append(out, session)
		}
	}
	return out, nil
}
