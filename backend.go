package oidc

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/storage/valkey"
)

// Backend is the operational store of a Server: grants, pushed requests,
// server-side sessions and the distributed cache used by throttling and replay
// detection.
type Backend interface {
	storage.GrantStore
	storage.PushedAuthorizationRequestStore
	storage.ServerSideSessionStore
	storage.Cache
}

// Registry is the read-only configuration store of clients and resources
type Registry interface {
	storage.ClientStore
	storage.ResourceStore
}

// Compile-time interface checks
var (
	_ Backend  = (*memory.Store)(nil)
	_ Backend  = (*valkey.Store)(nil)
	_ Registry = (*memory.Registry)(nil)
)

// NewBackend creates the backend selected by cfg. The returned function releases
// its connections.
func NewBackend(cfg StorageConfig, logger *slog.Logger) (Backend, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", StorageTypeMemory:
		store := memory.New()
		store.SetLogger(logger)
		return store, func() {}, nil
	case StorageTypeValkey:
		store, err := valkey.New(valkey.Config{
			Address:      cfg.Valkey.Address,
			Password:     cfg.Valkey.Password,
			DB:           cfg.Valkey.DB,
			KeyPrefix:    cfg.Valkey.KeyPrefix,
			DisableCache: cfg.Valkey.DisableCache,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create valkey backend: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// setBackendInstrumentation forwards inst to backends that record storage metrics
func setBackendInstrumentation(backend Backend, inst *instrumentation.Instrumentation) {
	type instrumented interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := backend.(instrumented); ok {
		setter.SetInstrumentation(inst)
	}
}
