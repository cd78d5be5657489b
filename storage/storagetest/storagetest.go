// Package storagetest provides conformance tests shared by the storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/giantswarm/oidc-engine/storage"
)

// NewGrant returns a grant with a unique key for the given type, client and subject.
func NewGrant(key, grantType, clientID, subjectID, sessionID string, expiresIn time.Duration) *storage.PersistedGrant {
	created := time.Now().UTC().Truncate(time.Second)
	g := &storage.PersistedGrant{
		Key:          key,
		Type:         grantType,
		ClientID:     clientID,
		SubjectID:    subjectID,
		SessionID:    sessionID,
		CreationTime: created,
		Data:         fmt.Sprintf(`{"handle":%q}`, key),
	}
	if expiresIn != 0 {
		exp := created.Add(expiresIn)
		g.Expiration = &exp
	}
	return g
}

func keysOf(grants []*storage.PersistedGrant) []string {
	keys := make([]string, 0, len(grants))
	for _, g := range grants {
		keys = append(keys, g.Key)
	}
	return keys
}

var sortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })

// RunGrantStoreTests runs the grant store conformance suite against stores produced by newStore.
func RunGrantStoreTests(t *testing.T, newStore func(t *testing.T) storage.GrantStore) {
	t.Run("store and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := NewGrant("key-1", storage.RefreshTokenGrantType, "client", "alice", "sid", time.Hour)

		if err := store.StoreGrant(ctx, want); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
		got, err := store.GetGrant(ctx, "key-1")
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetGrant() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetGrant(context.Background(), "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetGrant() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("store replaces", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		g := NewGrant("key-1", storage.RefreshTokenGrantType, "client", "alice", "", time.Hour)
		if err := store.StoreGrant(ctx, g); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
		consumed := time.Now().UTC().Truncate(time.Second)
		g.ConsumedTime = &consumed
		if err := store.StoreGrant(ctx, g); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
		got, err := store.GetGrant(ctx, "key-1")
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if !got.IsConsumed() {
			t.Error("replaced grant should be consumed")
		}
	})

	t.Run("remove reports existence", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.StoreGrant(ctx, NewGrant("key-1", storage.AuthorizationCodeGrantType, "client", "alice", "", time.Minute)); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}

		removed, err := store.RemoveGrant(ctx, "key-1")
		if err != nil || !removed {
			t.Fatalf("first RemoveGrant() = %v, %v; want true, nil", removed, err)
		}
		removed, err = store.RemoveGrant(ctx, "key-1")
		if err != nil || removed {
			t.Fatalf("second RemoveGrant() = %v, %v; want false, nil", removed, err)
		}
	})

	t.Run("concurrent remove succeeds once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.StoreGrant(ctx, NewGrant("code", storage.AuthorizationCodeGrantType, "client", "alice", "", time.Minute)); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := store.RemoveGrant(ctx, "code"); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Errorf("RemoveGrant() succeeded %d times, want 1", wins.Load())
		}
	})

	t.Run("filters", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seed := []*storage.PersistedGrant{
			NewGrant("a1", storage.RefreshTokenGrantType, "c1", "alice", "s1", time.Hour),
			NewGrant("a2", storage.ReferenceTokenGrantType, "c1", "alice", "s1", time.Hour),
			NewGrant("a3", storage.RefreshTokenGrantType, "c2", "alice", "s2", time.Hour),
			NewGrant("b1", storage.RefreshTokenGrantType, "c1", "bob", "s3", time.Hour),
			NewGrant("b2", storage.UserConsentGrantType, "c2", "bob", "", 0),
		}
		for _, g := range seed {
			if err := store.StoreGrant(ctx, g); err != nil {
				t.Fatalf("StoreGrant() error = %v", err)
			}
		}

		tests := []struct {
			name   string
			filter storage.GrantFilter
			want   []string
		}{
			{"subject", storage.GrantFilter{SubjectID: "alice"}, []string{"a1", "a2", "a3"}},
			{"session", storage.GrantFilter{SessionID: "s1"}, []string{"a1", "a2"}},
			{"client", storage.GrantFilter{ClientID: "c2"}, []string{"a3", "b2"}},
			{"client set", storage.GrantFilter{ClientIDs: []string{"c1", "c2"}, SubjectID: "bob"}, []string{"b1", "b2"}},
			{"type", storage.GrantFilter{Type: storage.RefreshTokenGrantType}, []string{"a1", "a3", "b1"}},
			{"types merged", storage.GrantFilter{Type: storage.UserConsentGrantType, Types: []string{storage.ReferenceTokenGrantType}}, []string{"a2", "b2"}},
			{"subject and client", storage.GrantFilter{SubjectID: "alice", ClientID: "c1"}, []string{"a1", "a2"}},
			{"client set only", storage.GrantFilter{ClientIDs: []string{"c2", "c3"}}, []string{"a3", "b2"}},
			{"client and type sets", storage.GrantFilter{ClientIDs: []string{"c1", "c2"}, Types: []string{storage.RefreshTokenGrantType, storage.UserConsentGrantType}}, []string{"a1", "a3", "b1", "b2"}},
			{"client merged into set", storage.GrantFilter{ClientID: "c1", ClientIDs: []string{"c2"}, Types: []string{storage.ReferenceTokenGrantType}}, []string{"a2"}},
			{"type set only", storage.GrantFilter{Types: []string{storage.ReferenceTokenGrantType, storage.UserConsentGrantType}}, []string{"a2", "b2"}},
			{"no match", storage.GrantFilter{SubjectID: "carol"}, []string{}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.GetAllGrants(ctx, tt.filter)
				if err != nil {
					t.Fatalf("GetAllGrants() error = %v", err)
				}
				if diff := cmp.Diff(tt.want, keysOf(got), sortStrings, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("GetAllGrants() mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("empty filter rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.GetAllGrants(ctx, storage.GrantFilter{}); !errors.Is(err, storage.ErrInvalidFilter) {
			t.Errorf("GetAllGrants() error = %v, want ErrInvalidFilter", err)
		}
		if _, err := store.RemoveAllGrants(ctx, storage.GrantFilter{}); !errors.Is(err, storage.ErrInvalidFilter) {
			t.Errorf("RemoveAllGrants() error = %v, want ErrInvalidFilter", err)
		}
	})

	t.Run("remove all", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, g := range []*storage.PersistedGrant{
			NewGrant("a1", storage.RefreshTokenGrantType, "c1", "alice", "s1", time.Hour),
			NewGrant("a2", storage.ReferenceTokenGrantType, "c1", "alice", "s1", time.Hour),
			NewGrant("b1", storage.RefreshTokenGrantType, "c1", "bob", "s2", time.Hour),
		} {
			if err := store.StoreGrant(ctx, g); err != nil {
				t.Fatalf("StoreGrant() error = %v", err)
			}
		}

		n, err := store.RemoveAllGrants(ctx, storage.GrantFilter{SubjectID: "alice", Types: []string{storage.RefreshTokenGrantType, storage.ReferenceTokenGrantType}})
		if err != nil {
			t.Fatalf("RemoveAllGrants() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RemoveAllGrants() = %d, want 2", n)
		}
		if _, err := store.GetGrant(ctx, "b1"); err != nil {
			t.Errorf("unrelated grant removed: %v", err)
		}
	})

	t.Run("remove all by client and type sets", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, g := range []*storage.PersistedGrant{
			NewGrant("a1", storage.RefreshTokenGrantType, "c1", "alice", "s1", time.Hour),
			NewGrant("a2", storage.ReferenceTokenGrantType, "c2", "alice", "s1", time.Hour),
			NewGrant("b1", storage.AuthorizationCodeGrantType, "c1", "bob", "s2", time.Hour),
			NewGrant("b2", storage.RefreshTokenGrantType, "c3", "bob", "s2", time.Hour),
		} {
			if err := store.StoreGrant(ctx, g); err != nil {
				t.Fatalf("StoreGrant() error = %v", err)
			}
		}

		filter := storage.GrantFilter{
			ClientIDs: []string{"c1", "c2"},
			Types:     []string{storage.RefreshTokenGrantType, storage.ReferenceTokenGrantType},
		}
		n, err := store.RemoveAllGrants(ctx, filter)
		if err != nil {
			t.Fatalf("RemoveAllGrants() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RemoveAllGrants() = %d, want 2", n)
		}

		left, err := store.GetAllGrants(ctx, storage.GrantFilter{SubjectID: "bob"})
		if err != nil {
			t.Fatalf("GetAllGrants() error = %v", err)
		}
		if diff := cmp.Diff([]string{"b1", "b2"}, keysOf(left), sortStrings); diff != "" {
			t.Errorf("remaining grants mismatch (-want +got):\n%s", diff)
		}
		if got, err := store.GetAllGrants(ctx, filter); err != nil || len(got) != 0 {
			t.Errorf("GetAllGrants() after removal = %v, %v; want none", keysOf(got), err)
		}
	})
}

// RunPushedAuthorizationRequestStoreTests runs the pushed authorization request conformance suite.
func RunPushedAuthorizationRequestStoreTests(t *testing.T, newStore func(t *testing.T) storage.PushedAuthorizationRequestStore) {
	newPAR := func(hash string, expiresIn time.Duration) *storage.PushedAuthorizationRequest {
		return &storage.PushedAuthorizationRequest{
			ID:                 "id-" + hash,
			ReferenceValueHash: hash,
			ExpiresAt:          time.Now().UTC().Truncate(time.Second).Add(expiresIn),
			Parameters:         `{"client_id":["client"]}`,
		}
	}

	t.Run("store get consume", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := newPAR("hash-1", time.Minute)

		if err := store.StorePushedAuthorizationRequest(ctx, want); err != nil {
			t.Fatalf("StorePushedAuthorizationRequest() error = %v", err)
		}
		got, err := store.GetPushedAuthorizationRequest(ctx, "hash-1")
		if err != nil {
			t.Fatalf("GetPushedAuthorizationRequest() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetPushedAuthorizationRequest() mismatch (-want +got):\n%s", diff)
		}

		n, err := store.ConsumePushedAuthorizationRequest(ctx, "hash-1")
		if err != nil || n != 1 {
			t.Fatalf("ConsumePushedAuthorizationRequest() = %d, %v; want 1, nil", n, err)
		}
		n, err = store.ConsumePushedAuthorizationRequest(ctx, "hash-1")
		if err != nil || n != 0 {
			t.Fatalf("second ConsumePushedAuthorizationRequest() = %d, %v; want 0, nil", n, err)
		}
		if _, err := store.GetPushedAuthorizationRequest(ctx, "hash-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetPushedAuthorizationRequest() after consume error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.StorePushedAuthorizationRequest(ctx, newPAR("hash-1", time.Minute)); err != nil {
			t.Fatalf("StorePushedAuthorizationRequest() error = %v", err)
		}
		err := store.StorePushedAuthorizationRequest(ctx, newPAR("hash-1", time.Minute))
		if !errors.Is(err, storage.ErrAlreadyExists) {
			t.Errorf("duplicate StorePushedAuthorizationRequest() error = %v, want ErrAlreadyExists", err)
		}
	})
}

// RunServerSideSessionStoreTests runs the server-side session conformance suite.
func RunServerSideSessionStoreTests(t *testing.T, newStore func(t *testing.T) storage.ServerSideSessionStore) {
	newSession := func(key, sub, sid string, expiresIn time.Duration) *storage.ServerSideSession {
		now := time.Now().UTC().Truncate(time.Second)
		exp := now.Add(expiresIn)
		return &storage.ServerSideSession{
			Key:       key,
			Scheme:    "cookie",
			SubjectID: sub,
			SessionID: sid,
			Created:   now,
			Renewed:   now,
			Expires:   &exp,
			Data:      "ticket",
		}
	}

	t.Run("crud", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s := newSession("k1", "alice", "sid1", time.Hour)

		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		got, err := store.GetSession(ctx, "k1")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("GetSession() mismatch (-want +got):\n%s", diff)
		}

		renewed := s.Renewed.Add(time.Minute)
		s.Renewed = renewed
		if err := store.UpdateSession(ctx, s); err != nil {
			t.Fatalf("UpdateSession() error = %v", err)
		}
		got, _ = store.GetSession(ctx, "k1")
		if !got.Renewed.Equal(renewed) {
			t.Errorf("Renewed = %v, want %v", got.Renewed, renewed)
		}

		if err := store.DeleteSession(ctx, "k1"); err != nil {
			t.Fatalf("DeleteSession() error = %v", err)
		}
		if _, err := store.GetSession(ctx, "k1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetSession() after delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("filter", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, s := range []*storage.ServerSideSession{
			newSession("k1", "alice", "sid1", time.Hour),
			newSession("k2", "alice", "sid2", time.Hour),
			newSession("k3", "bob", "sid3", time.Hour),
		} {
			if err := store.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
		}

		got, err := store.GetSessions(ctx, storage.SessionFilter{SubjectID: "alice"})
		if err != nil {
			t.Fatalf("GetSessions() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("GetSessions() returned %d sessions, want 2", len(got))
		}

		got, err = store.GetSessions(ctx, storage.SessionFilter{SubjectID: "alice", SessionID: "sid2"})
		if err != nil || len(got) != 1 || got[0].Key != "k2" {
			t.Errorf("GetSessions(sub, sid) = %v, %v", got, err)
		}

		if _, err := store.GetSessions(ctx, storage.SessionFilter{}); !errors.Is(err, storage.ErrInvalidFilter) {
			t.Errorf("GetSessions() empty filter error = %v, want ErrInvalidFilter", err)
		}

		n, err := store.DeleteSessions(ctx, storage.SessionFilter{SubjectID: "alice"})
		if err != nil || n != 2 {
			t.Errorf("DeleteSessions() = %d, %v; want 2, nil", n, err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, s := range []*storage.ServerSideSession{
			newSession("old1", "alice", "sid1", -2*time.Hour),
			newSession("old2", "alice", "sid2", -time.Hour),
			newSession("live", "bob", "sid3", time.Hour),
		} {
			if err := store.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
		}

		got, err := store.GetAndRemoveExpiredSessions(ctx, time.Now(), 1)
		if err != nil {
			t.Fatalf("GetAndRemoveExpiredSessions() error = %v", err)
		}
		if len(got) != 1 || got[0].Key != "old1" {
			t.Fatalf("first batch = %v, want [old1]", keysOfSessions(got))
		}

		got, err = store.GetAndRemoveExpiredSessions(ctx, time.Now(), 10)
		if err != nil {
			t.Fatalf("GetAndRemoveExpiredSessions() error = %v", err)
		}
		if len(got) != 1 || got[0].Key != "old2" {
			t.Fatalf("second batch = %v, want [old2]", keysOfSessions(got))
		}

		if _, err := store.GetSession(ctx, "live"); err != nil {
			t.Errorf("live session removed: %v", err)
		}
	})
}

func keysOfSessions(sessions []*storage.ServerSideSession) []string {
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		keys = append(keys, s.Key)
	}
	return keys
}

// RunCacheTests runs the cache conformance suite. advance moves the store's clock forward;
// backends with server-side expiry pass a function that fast-forwards their server.
func RunCacheTests(t *testing.T, newStore func(t *testing.T) storage.Cache, advance func(t *testing.T, c storage.Cache, d time.Duration)) {
	t.Run("set and get", func(t *testing.T) {
		c := newStore(t)
		ctx := context.Background()
		if err := c.SetString(ctx, "k", "v", time.Minute); err != nil {
			t.Fatalf("SetString() error = %v", err)
		}
		v, ok, err := c.GetString(ctx, "k")
		if err != nil || !ok || v != "v" {
			t.Errorf("GetString() = %q, %v, %v; want v, true, nil", v, ok, err)
		}
		if _, ok, _ := c.GetString(ctx, "missing"); ok {
			t.Error("GetString() found a missing key")
		}
	})

	t.Run("set if absent", func(t *testing.T) {
		c := newStore(t)
		ctx := context.Background()
		ok, err := c.SetStringIfAbsent(ctx, "jti", "1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first SetStringIfAbsent() = %v, %v; want true, nil", ok, err)
		}
		ok, err = c.SetStringIfAbsent(ctx, "jti", "2", time.Minute)
		if err != nil || ok {
			t.Fatalf("second SetStringIfAbsent() = %v, %v; want false, nil", ok, err)
		}
		if v, _, _ := c.GetString(ctx, "jti"); v != "1" {
			t.Errorf("value = %q, want 1", v)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		c := newStore(t)
		ctx := context.Background()
		if err := c.SetString(ctx, "k", "v", time.Second); err != nil {
			t.Fatalf("SetString() error = %v", err)
		}
		advance(t, c, 2*time.Second)
		if _, ok, _ := c.GetString(ctx, "k"); ok {
			t.Error("GetString() returned an expired entry")
		}
		ok, err := c.SetStringIfAbsent(ctx, "k", "v2", time.Second)
		if err != nil || !ok {
			t.Errorf("SetStringIfAbsent() after expiry = %v, %v; want true, nil", ok, err)
		}
	})
}
