package response

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/validation"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx        context.Context
	clock      *testutil.MockTime
	logger     *slog.Logger
	registry   *memory.Registry
	backend    *memory.Store
	keys       *services.KeyMaterialService
	references *grants.ReferenceTokenStore
	codes      *grants.AuthorizationCodeStore
	refresh    *grants.RefreshTokenStore
	tokens     *TokenCreationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(testNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := memory.New()
	backend.SetClock(clock.Now)

	key := testutil.NewSigningKey(t)
	private := jose.JSONWebKey{Key: key.Private, KeyID: key.KeyID, Algorithm: string(jose.RS256), Use: "sig"}
	keys := services.NewKeyMaterialService(services.StaticKeys(private), services.NewSigningKeyCache(clock.Now), 0)

	references := grants.NewReferenceTokenStore(backend, nil, nil)
	return &fixture{
		ctx:        context.Background(),
		clock:      clock,
		logger:     logger,
		registry:   memory.NewRegistry(testutil.Clients(), testutil.Resources()),
		backend:    backend,
		keys:       keys,
		references: references,
		codes:      grants.NewAuthorizationCodeStore(backend, nil, nil),
		refresh:    grants.NewRefreshTokenStore(backend, nil, nil),
		tokens: NewTokenCreationService(TokenCreationConfig{
			Issuer:          testutil.Issuer,
			Keys:            keys,
			ReferenceTokens: references,
			Logger:          logger,
			Clock:           clock.Now,
		}),
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

func (f *fixture) resources(t *testing.T, client *storage.Client, scopes ...string) *validation.ValidatedResources {
	t.Helper()
	v := validation.NewDefaultResourceValidator(f.registry, f.logger)
	resources, err := v.ValidateRequestedResources(f.ctx, client, scopes, nil)
	if err != nil {
		t.Fatalf("ValidateRequestedResources() error = %v", err)
	}
	if !resources.Succeeded() {
		t.Fatalf("ValidateRequestedResources() invalid scopes %v", resources.InvalidScopes)
	}
	return resources.FilterByResourceIndicator("")
}

// tokenValidator validates tokens signed by the fixture keys
func (f *fixture) tokenValidator() *validation.TokenValidator {
	return validation.NewTokenValidator(validation.TokenValidatorConfig{
		Options: validation.Options{
			Issuer: testutil.Issuer,
			Logger: f.logger,
			Now:    f.clock.Now,
		},
		Keys:            f.keys,
		Clients:         f.registry,
		ReferenceTokens: f.references,
	})
}

func (f *fixture) refreshTokenService() *services.DefaultRefreshTokenService {
	return services.NewDefaultRefreshTokenService(f.refresh, services.RefreshTokenConfig{
		Logger: f.logger,
		Clock:  f.clock.Now,
	})
}

func subject() *storage.Subject {
	return &storage.Subject{
		ID:                    "bob",
		SessionID:             "session-1",
		AuthTime:              testNow.Add(-time.Minute),
		IdentityProvider:      "local",
		AuthenticationMethods: []string{"pwd"},
		Claims: map[string]any{
			"name":        "Bob Smith",
			"family_name": "Smith",
			"email":       "bob@example.com",
		},
	}
}
