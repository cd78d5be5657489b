package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Store is an in-memory implementation of the mutable storage interfaces.
type Store struct {
	mu sync.RWMutex

	grants   map[string]*storage.PersistedGrant
	pars     map[string]*storage.PushedAuthorizationRequest
	sessions map[string]*storage.ServerSideSession
	cache    map[string]cacheEntry

	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	grantsCountAtomic   atomic.Int64
	parsCountAtomic     atomic.Int64
	sessionsCountAtomic atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.GrantStore                      = (*Store)(nil)
	_ storage.PushedAuthorizationRequestStore = (*Store)(nil)
	_ storage.ServerSideSessionStore          = (*Store)(nil)
	_ storage.Cache                           = (*Store)(nil)
)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		grants:   make(map[string]*storage.PersistedGrant),
		pars:     make(map[string]*storage.PushedAuthorizationRequest),
		sessions: make(map[string]*storage.ServerSideSession),
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for cache expiry
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.parsCountAtomic.Store(int64(len(s.pars)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.parsCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// syncCounters refreshes the size gauges. Callers must hold s.mu.
func (s *Store) syncCounters() {
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.parsCountAtomic.Store(int64(len(s.pars)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
