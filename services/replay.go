package services

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

const replayKeyPrefix = "jwt-replay-"

// minReplayRetention keeps entries for tokens that are already (nearly) expired long
// enough to cover clock skew at the validators
const minReplayRetention = time.Minute

// ReplayCache remembers JWT ids until the JWT expires.
type ReplayCache struct {
	cache           storage.Cache
	now             func() time.Time
	instrumentation *instrumentation.Instrumentation
}

// NewReplayCache creates a replay cache on top of cache. now may be nil.
func NewReplayCache(cache storage.Cache, now func() time.Time) *ReplayCache {
	if now == nil {
		now = time.Now
	}
	return &ReplayCache{cache: cache, now: now}
}

// SetInstrumentation sets OpenTelemetry instrumentation for replay metrics
func (r *ReplayCache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
}

func (r *ReplayCache) key(purpose, handle string) string {
	return replayKeyPrefix + purpose + security.Sha256(handle)
}

func (r *ReplayCache) retention(expiration time.Time) time.Duration {
	ttl := expiration.Sub(r.now())
	if ttl < minReplayRetention {
		ttl = minReplayRetention
	}
	return ttl
}

// Add records handle for purpose until expiration.
func (r *ReplayCache) Add(ctx context.Context, purpose, handle string, expiration time.Time) error {
	if err := r.cache.SetString(ctx, r.key(purpose, handle), "1", r.retention(expiration)); err != nil {
		return fmt.Errorf("failed to record jwt id: %w", err)
	}
	return nil
}

// Exists reports whether handle was recorded for purpose.
func (r *ReplayCache) Exists(ctx context.Context, purpose, handle string) (bool, error) {
	_, found, err := r.cache.GetString(ctx, r.key(purpose, handle))
	if err != nil {
		return false, fmt.Errorf("failed to look up jwt id: %w", err)
	}
	return found, nil
}

// AddIfAbsent records handle for purpose and reports whether it is new. A false
// result is a replay.
func (r *ReplayCache) AddIfAbsent(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error) {
	added, err := r.cache.SetStringIfAbsent(ctx, r.key(purpose, handle), "1", r.retention(expiration))
	if err != nil {
		return false, fmt.Errorf("failed to record jwt id: %w", err)
	}
	if !added && r.instrumentation != nil {
		r.instrumentation.Metrics().RecordJWTReplayDetected(ctx, purpose)
	}
	return added, nil
}
