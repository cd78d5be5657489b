package validation

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx       context.Context
	clock     *testutil.MockTime
	registry  *memory.Registry
	backend   *memory.Store
	resources *DefaultResourceValidator
	pushed    *services.PushedAuthorizationService
	replay    *services.ReplayCache
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(testNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := memory.NewRegistry(testutil.Clients(), testutil.Resources())
	backend := memory.New()
	backend.SetClock(clock.Now)
	return &fixture{
		ctx:       context.Background(),
		clock:     clock,
		registry:  registry,
		backend:   backend,
		resources: NewDefaultResourceValidator(registry, logger),
		pushed:    services.NewPushedAuthorizationService(backend, nil, logger),
		replay:    services.NewReplayCache(backend, clock.Now),
		opts: Options{
			Issuer: testutil.Issuer,
			Logger: logger,
			Now:    clock.Now,
		},
	}
}

func (f *fixture) client(t *testing.T, id string) *storage.Client {
	t.Helper()
	client, err := f.registry.FindClientByID(f.ctx, id)
	if err != nil {
		t.Fatalf("FindClientByID(%q) error = %v", id, err)
	}
	return client
}

func (f *fixture) authorizeValidator() *AuthorizeRequestValidator {
	return NewAuthorizeRequestValidator(AuthorizeRequestValidatorConfig{
		Options:             f.opts,
		Clients:             f.registry,
		Resources:           f.resources,
		PushedAuthorization: f.pushed,
	})
}

// params builds url.Values from key/value pairs
func params(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Add(kv[i], kv[i+1])
	}
	return v
}

func errorCode[T any](r *Result[T]) string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

func errorDescription[T any](r *Result[T]) string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Description
}
