package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-engine/storage"
)

// luaRemoveGrant atomically deletes a grant and unindexes it, provided the record
// still holds the value the caller read.
//
// KEYS[1] = grant key (e.g., "{oidc}:grant:abc")
// KEYS[2..n] = index sets the grant belongs to
// ARGV[1] = grant record as read by the caller
// ARGV[2] = grant key without prefix (the index set member)
//
// Returns 1 if the grant was removed, 0 if it does not exist and -1 if it changed
// since it was read.
const luaRemoveGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
if data ~= ARGV[1] then
    return -1
end
redis.call('DEL', KEYS[1])
for i = 2, #KEYS do
    redis.call('SREM', KEYS[i], ARGV[2])
end
return 1
`

// removeGrantAttempts bounds the retries of RemoveGrant under concurrent writes
const removeGrantAttempts = 3

// ============================================================
// GrantStore Implementation
// ============================================================

// grantIndexes returns the index sets a grant belongs to
func (s *Store) grantIndexes(g *storage.PersistedGrant) []string {
	indexes := []string{s.grantIndexKey("type", g.Type)}
	if g.SubjectID != "" {
		indexes = append(indexes, s.grantIndexKey("sub", g.SubjectID))
	}
	if g.ClientID != "" {
		indexes = append(indexes, s.grantIndexKey("client", g.ClientID))
	}
	if g.SessionID != "" {
		indexes = append(indexes, s.grantIndexKey("sid", g.SessionID))
	}
	return indexes
}

// StoreGrant inserts or replaces a grant and adds it to its index sets
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

	data, err := json.Marshal(grant)
	if err != nil {
		err = fmt.Errorf("failed to marshal grant: %w", err)
		return err
	}
	if len(data) > MaxRecordSize {
		err = errRecordTooLarge
		return err
	}

	key := s.grantKey(grant.Key)
	var set valkeygo.Completed
	if grant.Expiration != nil {
		set = s.client.B().Set().Key(key).Value(string(data)).Ex(s.ttlUntil(*grant.Expiration)).Build()
	} else {
		set = s.client.B().Set().Key(key).Value(string(data)).Build()
	}

	cmds := []valkeygo.Completed{set}
	for _, index := range s.grantIndexes(grant) {
		cmds = append(cmds, s.client.B().Sadd().Key(index).Member(grant.Key).Build())
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if cmdErr := resp.Error(); cmdErr != nil {
			err = fmt.Errorf("failed to store grant: %w", cmdErr)
			return err
		}
	}

	s.logger.Debug("Stored grant",
		"type", grant.Type,
		"key_prefix", safeTruncate(grant.Key, keyLogLength))
	return nil
}

// GetGrant returns the grant or storage.ErrNotFound
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = nil
			return nil, storage.ErrNotFound
		}
		err = fmt.Errorf("failed to get grant: %w", err)
		return nil, err
	}

	var g storage.PersistedGrant
	if err = json.Unmarshal([]byte(data), &g); err != nil {
		err = fmt.Errorf("failed to unmarshal grant: %w", err)
		return nil, err
	}
	return &g, nil
}

// candidateIndexes picks the most selective index sets for a filter.
// The union of the returned sets is a superset of the matching grants.
func (s *Store) candidateIndexes(filter storage.GrantFilter) []string {
	switch {
	case filter.SessionID != "":
		return []string{s.grantIndexKey("sid", filter.SessionID)}
	case filter.SubjectID != "":
		return []string{s.grantIndexKey("sub", filter.SubjectID)}
	}
	var indexes []string
	if clientIDs := filter.AllClientIDs(); len(clientIDs) > 0 {
		for _, id := range clientIDs {
			indexes = append(indexes, s.grantIndexKey("client", id))
		}
		return indexes
	}
	for _, t := range filter.AllTypes() {
		indexes = append(indexes, s.grantIndexKey("type", t))
	}
	return indexes
}

// GetAllGrants returns every grant matching the filter
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

	grants, err := s.loadIndexedGrants(ctx, s.candidateIndexes(filter))
	if err != nil {
		return nil, err
	}

	var out []*storage.PersistedGrant
	for _, g := range grants {
		if filter.Matches(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

// loadIndexedGrants loads the grants referenced by the given index sets and prunes
// members whose record no longer exists.
func (s *Store) loadIndexedGrants(ctx context.Context, indexes []string) ([]*storage.PersistedGrant, error) {
	reads := make([]valkeygo.Completed, len(indexes))
	for i, index := range indexes {
		reads[i] = s.client.B().Smembers().Key(index).Build()
	}
	seen := make(map[string]bool)
	var members []string
	for _, resp := range s.client.DoMulti(ctx, reads...) {
		set, err := resp.AsStrSlice()
		if err != nil {
			return nil, fmt.Errorf("failed to read grant index: %w", err)
		}
		for _, m := range set {
			if !seen[m] {
				seen[m] = true
				members = append(members, m)
			}
		}
	}
	if len(members) == 0 {
		return nil, nil
	}

	gets := make([]valkeygo.Completed, len(members))
	for i, m := range members {
		gets[i] = s.client.B().Get().Key(s.grantKey(m)).Build()
	}

	grants := make([]*storage.PersistedGrant, 0, len(members))
	var stale []string
	for i, resp := range s.client.DoMulti(ctx, gets...) {
		data, verr := resp.ToString()
		if verr != nil {
			if isNilError(verr) {
				stale = append(stale, members[i])
				continue
			}
			return nil, fmt.Errorf("failed to load grant: %w", verr)
		}
		var g storage.PersistedGrant
		if uerr := json.Unmarshal([]byte(data), &g); uerr != nil {
			s.logger.Warn("Failed to unmarshal grant, skipping",
				"key_prefix", safeTruncate(members[i], keyLogLength),
				"error", uerr)
			continue
		}
		grants = append(grants, &g)
	}

	if len(stale) > 0 {
		cmds := make([]valkeygo.Completed, 0, len(indexes))
		for _, index := range indexes {
			cmds = append(cmds, s.client.B().Srem().Key(index).Member(stale...).Build())
		}
		for _, resp := range s.client.DoMulti(ctx, cmds...) {
			if perr := resp.Error(); perr != nil {
				s.logger.Warn("Failed to prune grant index", "error", perr)
			}
		}
	}

	return grants, nil
}

// RemoveGrant deletes a grant and reports whether it existed
func (s *Store) RemoveGrant(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "remove_grant", err, startTime)
	}()

	grantKey := s.grantKey(key)
	for attempt := 0; attempt < removeGrantAttempts; attempt++ {
		data, gerr := s.client.Do(ctx, s.client.B().Get().Key(grantKey).Build()).ToString()
		if gerr != nil {
			if isNilError(gerr) {
				return false, nil
			}
			err = fmt.Errorf("failed to get grant: %w", gerr)
			return false, err
		}

		keys := []string{grantKey}
		var g storage.PersistedGrant
		if uerr := json.Unmarshal([]byte(data), &g); uerr == nil {
			keys = append(keys, s.grantIndexes(&g)...)
		}

		result, eerr := s.client.Do(ctx,
			s.client.B().Eval().Script(luaRemoveGrant).
				Numkeys(int64(len(keys))).
				Key(keys...).
				Arg(data, key).
				Build(),
		).AsInt64()
		if eerr != nil {
			err = fmt.Errorf("failed to remove grant: %w", eerr)
			return false, err
		}
		if result >= 0 {
			return result == 1, nil
		}
	}

	err = fmt.Errorf("grant %s changed during removal", safeTruncate(key, keyLogLength))
	return false, err
}

// RemoveAllGrants deletes every grant matching the filter
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	grants, err := s.GetAllGrants(ctx, filter)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, g := range grants {
		ok, err := s.RemoveGrant(ctx, g.Key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Removed grants",
			"subject_id", filter.SubjectID,
			"session_id", filter.SessionID,
			"count", removed)
	}
	return removed, nil
}
