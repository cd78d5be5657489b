package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/storage/storagetest"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func grantAt(key, grantType string, expiresIn time.Duration) *storage.PersistedGrant {
	g := storagetest.NewGrant(key, grantType, "app1", "123", "", expiresIn)
	g.CreationTime = epoch.Add(-time.Hour)
	exp := epoch.Add(expiresIn)
	g.Expiration = &exp
	return g
}

func keys(t *testing.T, store storage.GrantStore, grantType string) []string {
	t.Helper()
	grants, err := store.GetAllGrants(context.Background(), storage.GrantFilter{Type: grantType})
	if err != nil {
		t.Fatalf("GetAllGrants() error = %v", err)
	}
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Key)
	}
	sort.Strings(out)
	return out
}

func newService(store storage.GrantStore, cfg Config) *Service {
	cfg.Clock = testutil.NewMockTime(epoch).Now
	cfg.RetryInitialInterval = time.Millisecond
	return New(store, cfg)
}

func TestRunOnce_RemovesExpiredGrants(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for _, g := range []*storage.PersistedGrant{
		grantAt("expired-code", storage.AuthorizationCodeGrantType, -3*24*time.Hour),
		grantAt("valid-code", storage.AuthorizationCodeGrantType, 3*24*time.Hour),
		grantAt("expired-device", storage.DeviceCodeGrantType, -time.Minute),
		grantAt("valid-device", storage.DeviceCodeGrantType, time.Minute),
		grantAt("exact-now", storage.ReferenceTokenGrantType, 0),
	} {
		if err := store.StoreGrant(ctx, g); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
	}

	result, err := newService(store, Config{}).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := map[string]int{
		storage.AuthorizationCodeGrantType:  1,
		storage.RefreshTokenGrantType:       0,
		storage.ReferenceTokenGrantType:     1,
		storage.UserConsentGrantType:        0,
		storage.DeviceCodeGrantType:         1,
		storage.BackchannelRequestGrantType: 0,
	}
	if diff := cmp.Diff(want, result.GrantsRemoved); diff != "" {
		t.Errorf("GrantsRemoved mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"valid-code"}, keys(t, store, storage.AuthorizationCodeGrantType)); diff != "" {
		t.Errorf("remaining codes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"valid-device"}, keys(t, store, storage.DeviceCodeGrantType)); diff != "" {
		t.Errorf("remaining device codes mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnce_ConsumedGrants(t *testing.T) {
	tests := []struct {
		name          string
		removeFlag    bool
		delay         time.Duration
		consumedAgo   time.Duration
		expectRemoved bool
	}{
		{
			name:          "flag off keeps consumed grant",
			removeFlag:    false,
			consumedAgo:   15 * time.Minute,
			expectRemoved: false,
		},
		{
			name:          "flag on with zero delay removes immediately",
			removeFlag:    true,
			consumedAgo:   0,
			expectRemoved: true,
		},
		{
			name:          "flag on removes grant consumed before delay",
			removeFlag:    true,
			delay:         10 * time.Minute,
			consumedAgo:   15 * time.Minute,
			expectRemoved: true,
		},
		{
			name:          "flag on keeps grant consumed within delay",
			removeFlag:    true,
			delay:         10 * time.Minute,
			consumedAgo:   5 * time.Minute,
			expectRemoved: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			ctx := context.Background()

			g := grantAt("consumed", storage.RefreshTokenGrantType, 3*24*time.Hour)
			consumed := epoch.Add(-tt.consumedAgo)
			g.ConsumedTime = &consumed
			if err := store.StoreGrant(ctx, g); err != nil {
				t.Fatalf("StoreGrant() error = %v", err)
			}

			svc := newService(store, Config{
				RemoveConsumedTokens:      tt.removeFlag,
				ConsumedTokenCleanupDelay: tt.delay,
			})
			if _, err := svc.RunOnce(ctx); err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}

			_, err := store.GetGrant(ctx, "consumed")
			removed := errors.Is(err, storage.ErrNotFound)
			if removed != tt.expectRemoved {
				t.Errorf("removed = %v, want %v", removed, tt.expectRemoved)
			}
		})
	}
}

// flakyStore fails GetAllGrants for one grant type a fixed number of times.
type flakyStore struct {
	storage.GrantStore
	failType  string
	failTimes int32
	calls     atomic.Int32
}

func (f *flakyStore) GetAllGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.PersistedGrant, error) {
	if filter.Type == f.failType {
		if f.calls.Add(1) <= f.failTimes {
			return nil, errors.New("store unavailable")
		}
	}
	return f.GrantStore.GetAllGrants(ctx, filter)
}

func TestRunOnce_FailureIsolatedPerType(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	for _, g := range []*storage.PersistedGrant{
		grantAt("expired-code", storage.AuthorizationCodeGrantType, -time.Hour),
		grantAt("expired-refresh", storage.RefreshTokenGrantType, -time.Hour),
	} {
		if err := inner.StoreGrant(ctx, g); err != nil {
			t.Fatalf("StoreGrant() error = %v", err)
		}
	}

	store := &flakyStore{GrantStore: inner, failType: storage.AuthorizationCodeGrantType, failTimes: 100}
	svc := newService(store, Config{MaxTries: 2})

	result, err := svc.RunOnce(ctx)
	if err == nil {
		t.Fatal("RunOnce() expected error for failing grant type")
	}
	if got := store.calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if result.GrantsRemoved[storage.RefreshTokenGrantType] != 1 {
		t.Errorf("refresh tokens removed = %d, want 1", result.GrantsRemoved[storage.RefreshTokenGrantType])
	}
	if got := keys(t, inner, storage.RefreshTokenGrantType); len(got) != 0 {
		t.Errorf("expired refresh token not removed: %v", got)
	}
}

func TestRunOnce_RetriesTransientFailure(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	if err := inner.StoreGrant(ctx, grantAt("expired-code", storage.AuthorizationCodeGrantType, -time.Hour)); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	store := &flakyStore{GrantStore: inner, failType: storage.AuthorizationCodeGrantType, failTimes: 1}
	result, err := newService(store, Config{}).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.GrantsRemoved[storage.AuthorizationCodeGrantType] != 1 {
		t.Errorf("codes removed = %d, want 1", result.GrantsRemoved[storage.AuthorizationCodeGrantType])
	}
}

func TestRunOnce_OnGrantsRemoved(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.StoreGrant(ctx, grantAt("expired", storage.UserConsentGrantType, -time.Hour)); err != nil {
		t.Fatalf("StoreGrant() error = %v", err)
	}

	var mu sync.Mutex
	notified := map[string][]string{}
	svc := newService(store, Config{
		OnGrantsRemoved: func(_ context.Context, grantType string, grants []*storage.PersistedGrant) {
			mu.Lock()
			defer mu.Unlock()
			for _, g := range grants {
				notified[grantType] = append(notified[grantType], g.Key)
			}
		},
	})
	if _, err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := map[string][]string{storage.UserConsentGrantType: {"expired"}}
	if diff := cmp.Diff(want, notified); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnce_PushedAuthorizationRequests(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for _, par := range []*storage.PushedAuthorizationRequest{
		{ReferenceValueHash: "expired", ExpiresAt: epoch.Add(-time.Minute), Parameters: "x"},
		{ReferenceValueHash: "valid", ExpiresAt: epoch.Add(time.Minute), Parameters: "x"},
	} {
		if err := store.StorePushedAuthorizationRequest(ctx, par); err != nil {
			t.Fatalf("StorePushedAuthorizationRequest() error = %v", err)
		}
	}

	result, err := newService(store, Config{}).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.ParRemoved != 1 {
		t.Errorf("ParRemoved = %d, want 1", result.ParRemoved)
	}
	if _, err := store.GetPushedAuthorizationRequest(ctx, "valid"); err != nil {
		t.Errorf("valid PAR removed: %v", err)
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	sessions []string
}

func (h *recordingHandler) ProcessExpiration(_ context.Context, session *storage.ServerSideSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = append(h.sessions, session.Key)
	return nil
}

func TestRunOnce_ExpiredSessions(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for i, offset := range []time.Duration{-3 * time.Hour, -2 * time.Hour, -time.Hour, time.Hour} {
		exp := epoch.Add(offset)
		session := &storage.ServerSideSession{
			Key:       string(rune('a' + i)),
			SubjectID: "123",
			SessionID: "sid",
			Created:   epoch.Add(-4 * time.Hour),
			Renewed:   epoch.Add(-4 * time.Hour),
			Expires:   &exp,
		}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
	}

	handler := &recordingHandler{}
	svc := newService(store, Config{SessionBatchSize: 2})
	svc.SetSessionStore(store, handler)

	result, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.SessionsRemoved != 3 {
		t.Errorf("SessionsRemoved = %d, want 3", result.SessionsRemoved)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, handler.sessions); diff != "" {
		t.Errorf("processed sessions mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.GetSession(ctx, "d"); err != nil {
		t.Errorf("unexpired session removed: %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := memory.New()
	svc := newService(store, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	if err := svc.Run(context.Background()); err == nil {
		t.Error("second Run() should fail while running")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	svc := New(memory.New(), Config{ConsumedTokenCleanupDelay: -time.Minute})
	if svc.config.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", svc.config.Interval, DefaultInterval)
	}
	if svc.config.ConsumedTokenCleanupDelay != 0 {
		t.Errorf("ConsumedTokenCleanupDelay = %v, want 0", svc.config.ConsumedTokenCleanupDelay)
	}
	if diff := cmp.Diff(storage.AllGrantTypes, svc.config.GrantTypes); diff != "" {
		t.Errorf("GrantTypes mismatch (-want +got):\n%s", diff)
	}
	if svc.pars == nil {
		t.Error("memory store should be detected as PAR remover")
	}
}
