package valkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/storagetest"
)

// testServer starts an in-process Valkey-compatible server.
func testServer(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

// testStore connects a Store to mr. Each test gets a unique prefix.
// Tests are skipped if the client cannot talk to the server.
func testStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to test server: %v", err)
	}
	t.Cleanup(client.Close)

	prefix := fmt.Sprintf("{oidctest:%s}:", strings.ReplaceAll(t.Name(), "/", "_"))
	return NewWithClient(client, Config{KeyPrefix: prefix})
}

func TestStore_GrantStore(t *testing.T) {
	mr := testServer(t)
	storagetest.RunGrantStoreTests(t, func(t *testing.T) storage.GrantStore { return testStore(t, mr) })
}

func TestStore_PushedAuthorizationRequestStore(t *testing.T) {
	mr := testServer(t)
	storagetest.RunPushedAuthorizationRequestStoreTests(t, func(t *testing.T) storage.PushedAuthorizationRequestStore { return testStore(t, mr) })
}

func TestStore_ServerSideSessionStore(t *testing.T) {
	mr := testServer(t)
	storagetest.RunServerSideSessionStoreTests(t, func(t *testing.T) storage.ServerSideSessionStore { return testStore(t, mr) })
}

func TestStore_Cache(t *testing.T) {
	mr := testServer(t)
	storagetest.RunCacheTests(t,
		func(t *testing.T) storage.Cache { return testStore(t, mr) },
		func(t *testing.T, _ storage.Cache, d time.Duration) { mr.FastForward(d) },
	)
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty address should fail")
	}
}

func TestNew_Connects(t *testing.T) {
	mr := testServer(t)
	s, err := New(Config{Address: mr.Addr(), DisableCache: true})
	if err != nil {
		t.Skipf("Skipping test: could not connect to test server: %v", err)
	}
	defer s.Close()

	if s.prefix != DefaultKeyPrefix {
		t.Errorf("prefix = %q, want %q", s.prefix, DefaultKeyPrefix)
	}
	if s.retention != DefaultExpiredRetention {
		t.Errorf("retention = %v, want %v", s.retention, DefaultExpiredRetention)
	}
}

func TestNewWithClient_HashTagsPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default", want: DefaultKeyPrefix},
		{name: "untagged", prefix: "idp:", want: "{idp}:"},
		{name: "untagged without separator", prefix: "idp", want: "{idp}:"},
		{name: "tagged", prefix: "{idp}:", want: "{idp}:"},
		{name: "tag inside", prefix: "tenant:{a}:", want: "tenant:{a}:"},
		{name: "empty tag", prefix: "{}:", want: "{{}}:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewWithClient(nil, Config{KeyPrefix: tt.prefix})
			if s.prefix != tt.want {
				t.Errorf("prefix = %q, want %q", s.prefix, tt.want)
			}
		})
	}
}

func TestStore_GrantExpiryRetention(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)
	ctx := context.Background()

	g := storagetest.NewGrant("k1", storage.AuthorizationCodeGrantType, "c", "alice", "", time.Minute)
	if err := s.StoreGrant(ctx, g); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	ttl := mr.TTL(s.grantKey("k1"))
	if ttl <= time.Minute || ttl > time.Minute+DefaultExpiredRetention+time.Second {
		t.Errorf("TTL = %v, want expiry plus retention", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.GetGrant(ctx, "k1"); err != nil {
		t.Errorf("GetGrant() within retention error = %v", err)
	}

	mr.FastForward(DefaultExpiredRetention)
	if _, err := s.GetGrant(ctx, "k1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetGrant() after retention error = %v, want ErrNotFound", err)
	}
}

func TestStore_PrunesStaleIndexMembers(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2"} {
		g := storagetest.NewGrant(key, storage.RefreshTokenGrantType, "c", "alice", "", time.Hour)
		if err := s.StoreGrant(ctx, g); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
	}

	// Simulate server-side expiry of one record.
	mr.Del(s.grantKey("k1"))

	got, err := s.GetAllGrants(ctx, storage.GrantFilter{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("GetAllGrants() error = %v", err)
	}
	if len(got) != 1 || got[0].Key != "k2" {
		t.Fatalf("GetAllGrants() = %v, want only k2", got)
	}

	members, err := mr.Members(s.grantIndexKey("sub", "alice"))
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 1 || members[0] != "k2" {
		t.Errorf("index members = %v, want [k2]", members)
	}
}

func TestStore_RemoveGrantClearsIndexes(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)
	ctx := context.Background()

	g := storagetest.NewGrant("k1", storage.RefreshTokenGrantType, "c", "alice", "sid1", time.Hour)
	if err := s.StoreGrant(ctx, g); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	removed, err := s.RemoveGrant(ctx, "k1")
	if err != nil || !removed {
		t.Fatalf("RemoveGrant() = %v, %v; want true, nil", removed, err)
	}

	for _, index := range []string{
		s.grantIndexKey("sub", "alice"),
		s.grantIndexKey("client", "c"),
		s.grantIndexKey("sid", "sid1"),
		s.grantIndexKey("type", storage.RefreshTokenGrantType),
	} {
		if mr.Exists(index) {
			members, _ := mr.Members(index)
			if len(members) > 0 {
				t.Errorf("index %s still has members %v", index, members)
			}
		}
	}
}

func TestStore_RemoveGrantScriptRejectsChangedRecord(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)
	ctx := context.Background()

	g := storagetest.NewGrant("k1", storage.RefreshTokenGrantType, "c", "alice", "", time.Hour)
	if err := s.StoreGrant(ctx, g); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	keys := append([]string{s.grantKey("k1")}, s.grantIndexes(g)...)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRemoveGrant).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(`{"stale":true}`, "k1").
			Build(),
	).AsInt64()
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if result != -1 {
		t.Errorf("Eval() = %d, want -1", result)
	}
	if !mr.Exists(s.grantKey("k1")) {
		t.Error("changed grant was deleted")
	}

	removed, err := s.RemoveGrant(ctx, "k1")
	if err != nil || !removed {
		t.Fatalf("RemoveGrant() = %v, %v; want true, nil", removed, err)
	}
}

func TestStore_SessionExpiryIndex(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)
	ctx := context.Background()

	now := time.Now()
	exp := now.Add(time.Minute)
	session := &storage.ServerSideSession{Key: "s1", SubjectID: "alice", SessionID: "sid1", Created: now, Renewed: now, Expires: &exp}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	score, err := mr.ZScore(s.sessionExpiryKey(), "s1")
	if err != nil {
		t.Fatalf("ZScore() error = %v", err)
	}
	if int64(score) != exp.UnixMilli() {
		t.Errorf("expiry score = %v, want %d", score, exp.UnixMilli())
	}

	session.Expires = nil
	if err := s.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if _, err := mr.ZScore(s.sessionExpiryKey(), "s1"); err == nil {
		t.Error("session without expiry should leave the expiry index")
	}
}

func TestStore_RecordTooLarge(t *testing.T) {
	mr := testServer(t)
	s := testStore(t, mr)

	g := storagetest.NewGrant("big", storage.RefreshTokenGrantType, "c", "alice", "", time.Hour)
	g.Data = strings.Repeat("x", MaxRecordSize+1)
	if err := s.StoreGrant(context.Background(), g); err == nil {
		t.Error("StoreGrant() with oversized record should fail")
	}
}
