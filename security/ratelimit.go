package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/oidc-engine/instrumentation"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked identifiers
	DefaultRateLimiterMaxEntries = 10000

	defaultRateLimiterCleanupInterval = 5 * time.Minute
	defaultRateLimiterMaxIdle         = 30 * time.Minute
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Name identifies the limiter in metrics and logs (e.g. "token", "backchannel")
	Name string

	// RequestsPerSecond is the sustained rate per identifier
	RequestsPerSecond float64

	// Burst is the number of requests allowed at once
	Burst int

	// MaxEntries bounds tracked identifiers; least recently used are evicted (default: 10000)
	MaxEntries int

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (usually per-client) token bucket rate limiting
// with LRU eviction to bound memory.
type RateLimiter struct {
	name       string
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*list.Element // identifier -> element holding *rateLimiterEntry
	lruList  *list.List

	totalEvictions int64
	totalCleanups  int64

	instrumentation *instrumentation.Instrumentation

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter and starts its idle-entry cleanup goroutine.
// Call Stop to release it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimiterMaxEntries
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	rl := &RateLimiter{
		name:        cfg.Name,
		limit:       rate.Limit(cfg.RequestsPerSecond),
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		logger:      cfg.Logger,
		now:         time.Now,
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()
	return rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for rate limit metrics
func (rl *RateLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rl.instrumentation = inst
}

// Allow reports whether a request from identifier may proceed.
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	now := rl.now()

	rl.mu.Lock()
	entry := rl.entryLocked(identifier, now)
	allowed := entry.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		rl.logger.Debug("Rate limit exceeded", "limiter", rl.name, "identifier", identifier)
		if rl.instrumentation != nil {
			rl.instrumentation.Metrics().RecordRateLimitExceeded(ctx, rl.name)
		}
	}
	return allowed
}

// entryLocked returns the entry for identifier, creating it and evicting the least
// recently used entry at capacity. Must be called with mu held.
func (rl *RateLimiter) entryLocked(identifier string, now time.Time) *rateLimiterEntry {
	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"limiter", rl.name,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultRateLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultRateLimiterMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	// The list is ordered by recency, so idle entries sit at the back.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"limiter", rl.name,
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MemoryPressure: float64(len(rl.limiters)) / float64(rl.maxEntries) * 100.0,
	}
}
