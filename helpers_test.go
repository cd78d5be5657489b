package oidc

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/response"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/validation"
)

// testEnv bundles a server over the memory backend with the fixture clients
type testEnv struct {
	server   *Server
	store    *memory.Store
	clock    *testutil.MockTime
	users    *fakeUsers
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithIssuer(t, testutil.Issuer, configure)
}

func newTestEnvWithIssuer(t *testing.T, issuer string, configure func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Now().Truncate(time.Second))
	store := memory.New()
	store.SetClock(clock.Now)
	registry := memory.NewRegistry(testutil.Clients(), testutil.Resources())

	config := &Config{
		Issuer:   issuer,
		LoginURL: "https://login.test/account/login",
	}
	if configure != nil {
		configure(config)
	}

	env := &testEnv{
		store:    store,
		clock:    clock,
		users:    &fakeUsers{},
		notifier: &fakeNotifier{},
	}

	srv, err := NewServer(store, registry, testKeys(t), config, ServerOptions{
		BackchannelUsers:    fakeBackchannelUsers{},
		BackchannelNotifier: env.notifier,
		Clock:               clock.Now,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Shutdown)
	env.server = srv
	return env
}

func testKeys(t *testing.T) services.KeyLoader {
	t.Helper()
	key := testutil.NewSigningKey(t)
	return services.StaticKeys(jose.JSONWebKey{
		Key:       key.Private,
		KeyID:     key.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	})
}

// fakeUsers is a UserSession with a settable current user
type fakeUsers struct {
	mu         sync.Mutex
	subject    *storage.Subject
	signedOut  bool
	currentErr error
}

func (f *fakeUsers) setSubject(s *storage.Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = s
}

func (f *fakeUsers) CurrentSubject(_ *http.Request) (*storage.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subject, f.currentErr
}

func (f *fakeUsers) SignOut(_ http.ResponseWriter, _ *http.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = true
	f.subject = nil
	return nil
}

// fakeBackchannelUsers resolves every login_hint to a user of that name
type fakeBackchannelUsers struct{}

func (fakeBackchannelUsers) ValidateRequest(_ context.Context, req *validation.BackchannelAuthenticationRequest) (*validation.BackchannelUserResult, error) {
	if req.LoginHint == "" {
		return &validation.BackchannelUserResult{Error: validation.ErrorUnknownUserID}, nil
	}
	return &validation.BackchannelUserResult{Subject: testutil.Subject(req.LoginHint, "")}, nil
}

// fakeNotifier records the backchannel logins sent to users
type fakeNotifier struct {
	mu       sync.Mutex
	requests []*response.BackchannelLoginRequest
}

func (f *fakeNotifier) SendLoginRequest(_ context.Context, req *response.BackchannelLoginRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeNotifier) last(t *testing.T) *response.BackchannelLoginRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no backchannel login request was sent")
	}
	return f.requests[len(f.requests)-1]
}
