package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/storagetest"
)

func TestStore_GrantStore(t *testing.T) {
	storagetest.RunGrantStoreTests(t, func(t *testing.T) storage.GrantStore { return New() })
}

func TestStore_PushedAuthorizationRequestStore(t *testing.T) {
	storagetest.RunPushedAuthorizationRequestStoreTests(t, func(t *testing.T) storage.PushedAuthorizationRequestStore { return New() })
}

func TestStore_ServerSideSessionStore(t *testing.T) {
	storagetest.RunServerSideSessionStoreTests(t, func(t *testing.T) storage.ServerSideSessionStore { return New() })
}

func TestStore_Cache(t *testing.T) {
	clocks := map[storage.Cache]*testutil.MockTime{}
	storagetest.RunCacheTests(t,
		func(t *testing.T) storage.Cache {
			clock := testutil.NewMockTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			s := New()
			s.SetClock(clock.Now)
			clocks[s] = clock
			return s
		},
		func(t *testing.T, c storage.Cache, d time.Duration) {
			clocks[c].Advance(d)
		},
	)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := storagetest.NewGrant("k", storage.RefreshTokenGrantType, "c", "alice", "", time.Hour)
	if err := s.StoreGrant(ctx, g); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	g.ClientID = "mutated"
	got, _ := s.GetGrant(ctx, "k")
	if got.ClientID != "c" {
		t.Errorf("stored grant mutated through caller pointer: ClientID = %q", got.ClientID)
	}

	got.ClientID = "mutated-again"
	again, _ := s.GetGrant(ctx, "k")
	if again.ClientID != "c" {
		t.Errorf("stored grant mutated through returned pointer: ClientID = %q", again.ClientID)
	}
}

func TestStore_StoreGrant_RequiresKey(t *testing.T) {
	s := New()
	if err := s.StoreGrant(context.Background(), &storage.PersistedGrant{}); err == nil {
		t.Error("StoreGrant() without key should fail")
	}
	if err := s.StoreGrant(context.Background(), nil); err == nil {
		t.Error("StoreGrant(nil) should fail")
	}
}

func TestStore_RemoveExpiredPushedAuthorizationRequests(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for hash, exp := range map[string]time.Time{
		"expired": now.Add(-time.Second),
		"live":    now.Add(time.Minute),
	} {
		err := s.StorePushedAuthorizationRequest(ctx, &storage.PushedAuthorizationRequest{
			ID: hash, ReferenceValueHash: hash, ExpiresAt: exp,
		})
		if err != nil {
			t.Fatalf("StorePushedAuthorizationRequest() error = %v", err)
		}
	}

	n, err := s.RemoveExpiredPushedAuthorizationRequests(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("RemoveExpiredPushedAuthorizationRequests() = %d, %v; want 1, nil", n, err)
	}
	if _, err := s.GetPushedAuthorizationRequest(ctx, "live"); err != nil {
		t.Errorf("live request removed: %v", err)
	}
}

func TestStore_UpdateSession_NotFound(t *testing.T) {
	s := New()
	err := s.UpdateSession(context.Background(), &storage.ServerSideSession{Key: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateSession() error = %v, want ErrNotFound", err)
	}
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	s.SetInstrumentation(inst)
	ctx := context.Background()

	if err := s.StoreGrant(ctx, storagetest.NewGrant("k", storage.RefreshTokenGrantType, "c", "alice", "", time.Hour)); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}
	if s.grantsCountAtomic.Load() != 1 {
		t.Errorf("grants gauge = %d, want 1", s.grantsCountAtomic.Load())
	}
	if _, err := s.RemoveGrant(ctx, "k"); err != nil {
		t.Fatalf("RemoveGrant() error = %v", err)
	}
	if s.grantsCountAtomic.Load() != 0 {
		t.Errorf("grants gauge = %d, want 0", s.grantsCountAtomic.Load())
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(
		[]*storage.Client{{ClientID: "c1", Enabled: true}, {ClientID: "disabled"}},
		&storage.Resources{
			IdentityResources: []*storage.IdentityResource{
				{Name: "openid", Enabled: true},
				{Name: "profile", Enabled: false},
			},
			APIScopes: []*storage.APIScope{
				{Name: "api1", Enabled: true},
				{Name: "api2", Enabled: true},
			},
			APIResources: []*storage.APIResource{
				{Name: "urn:api1", Enabled: true, Scopes: []string{"api1"}},
				{Name: "urn:api2", Enabled: true, Scopes: []string{"api2"}},
				{Name: "urn:off", Enabled: false, Scopes: []string{"api1"}},
			},
		},
	)

	t.Run("clients", func(t *testing.T) {
		if _, err := registry.FindClientByID(ctx, "c1"); err != nil {
			t.Errorf("FindClientByID(c1) error = %v", err)
		}
		c, err := registry.FindClientByID(ctx, "disabled")
		if err != nil || c.Enabled {
			t.Errorf("FindClientByID(disabled) = %v, %v", c, err)
		}
		if _, err := registry.FindClientByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindClientByID(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("resources by scope", func(t *testing.T) {
		res, err := registry.FindEnabledResourcesByScope(ctx, []string{"openid", "profile", "api1"})
		if err != nil {
			t.Fatalf("FindEnabledResourcesByScope() error = %v", err)
		}
		if len(res.IdentityResources) != 1 || res.IdentityResources[0].Name != "openid" {
			t.Errorf("IdentityResources = %v", res.IdentityResources)
		}
		if len(res.APIScopes) != 1 || res.APIScopes[0].Name != "api1" {
			t.Errorf("APIScopes = %v", res.APIScopes)
		}
		if len(res.APIResources) != 1 || res.APIResources[0].Name != "urn:api1" {
			t.Errorf("APIResources = %v", res.APIResources)
		}
	})

	t.Run("apis by name", func(t *testing.T) {
		apis, err := registry.FindAPIResourcesByName(ctx, []string{"urn:api2", "urn:unknown"})
		if err != nil || len(apis) != 1 || apis[0].Name != "urn:api2" {
			t.Errorf("FindAPIResourcesByName() = %v, %v", apis, err)
		}
	})
}
