package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultInterval is how often a sweep runs
	DefaultInterval = time.Hour

	// DefaultSessionBatchSize is how many expired sessions are removed per store call
	DefaultSessionBatchSize = 100

	// DefaultMaxTries is the number of attempts per grant type and sweep
	DefaultMaxTries = 3

	// DefaultRetryInitialInterval is the first backoff delay between attempts
	DefaultRetryInitialInterval = time.Second
)

// ExpiredPushedAuthorizationRequestRemover is implemented by PAR stores that do not expire
// records on their own.
type ExpiredPushedAuthorizationRequestRemover interface {
	RemoveExpiredPushedAuthorizationRequests(ctx context.Context, now time.Time) (int, error)
}

// ExpiredSessionHandler is notified for every expired session removed by a sweep.
type ExpiredSessionHandler interface {
	ProcessExpiration(ctx context.Context, session *storage.ServerSideSession) error
}

// Config holds cleanup configuration.
type Config struct {
	// Interval between sweeps (default: 1 hour)
	Interval time.Duration

	// RemoveConsumedTokens also removes grants consumed longer than ConsumedTokenCleanupDelay ago
	RemoveConsumedTokens bool

	// ConsumedTokenCleanupDelay is how long consumed grants are kept (default: 0)
	ConsumedTokenCleanupDelay time.Duration

	// GrantTypes limits the swept grant types (default: storage.AllGrantTypes)
	GrantTypes []string

	// SessionBatchSize bounds each expired-session removal call (default: 100)
	SessionBatchSize int

	// MaxTries is the number of attempts per grant type (default: 3)
	MaxTries uint

	// RetryInitialInterval is the first delay between attempts (default: 1s)
	RetryInitialInterval time.Duration

	// OnGrantsRemoved is called with the grants removed for each type
	OnGrantsRemoved func(ctx context.Context, grantType string, grants []*storage.PersistedGrant)

	// OnSessionsRemoved is called with the expired sessions removed by a sweep
	OnSessionsRemoved func(ctx context.Context, sessions []*storage.ServerSideSession)

	// Logger for cleanup events (default: slog.Default())
	Logger *slog.Logger

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// Result summarizes a sweep.
type Result struct {
	GrantsRemoved   map[string]int
	ParRemoved      int
	SessionsRemoved int
}

// Service periodically removes stale records.
type Service struct {
	grants   storage.GrantStore
	pars     ExpiredPushedAuthorizationRequestRemover
	sessions storage.ServerSideSessionStore
	expired  ExpiredSessionHandler

	config          Config
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	mu      sync.Mutex
	running bool
}

// New creates a cleanup service over the grant store.
// If grants also implements ExpiredPushedAuthorizationRequestRemover, expired pushed
// authorization requests are removed as well.
func New(grants storage.GrantStore, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ConsumedTokenCleanupDelay < 0 {
		cfg.ConsumedTokenCleanupDelay = 0
	}
	if len(cfg.GrantTypes) == 0 {
		cfg.GrantTypes = storage.AllGrantTypes
	}
	if cfg.SessionBatchSize <= 0 {
		cfg.SessionBatchSize = DefaultSessionBatchSize
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Service{
		grants: grants,
		config: cfg,
		logger: cfg.Logger,
	}
	if remover, ok := grants.(ExpiredPushedAuthorizationRequestRemover); ok {
		s.pars = remover
	}
	return s
}

// SetSessionStore enables expired session cleanup. handler may be nil.
func (s *Service) SetSessionStore(sessions storage.ServerSideSessionStore, handler ExpiredSessionHandler) {
	s.sessions = sessions
	s.expired = handler
}

// SetPushedAuthorizationRequestRemover overrides the PAR remover detected by New.
func (s *Service) SetPushedAuthorizationRequestRemover(remover ExpiredPushedAuthorizationRequestRemover) {
	s.pars = remover
}

// SetInstrumentation sets OpenTelemetry instrumentation for cleanup metrics
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Run sweeps every Interval until ctx is canceled. A sweep runs immediately on start.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cleanup service already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Cleanup sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. Errors from individual grant types are joined;
// the remaining types are still swept.
func (s *Service) RunOnce(ctx context.Context) (*Result, error) {
	now := s.config.Clock()
	result := &Result{GrantsRemoved: make(map[string]int, len(s.config.GrantTypes))}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	// Plain group: one failing type must not cancel the others.
	var g errgroup.Group
	for _, grantType := range s.config.GrantTypes {
		g.Go(func() error {
			removed, err := s.retry(ctx, grantType, func() (int, error) {
				return s.sweepGrantType(ctx, grantType, now)
			})
			mu.Lock()
			result.GrantsRemoved[grantType] = removed
			mu.Unlock()
			if err != nil {
				record(fmt.Errorf("cleanup of %s grants failed: %w", grantType, err))
			}
			return nil
		})
	}

	if s.pars != nil {
		g.Go(func() error {
			removed, err := s.retry(ctx, "pushed_authorization_request", func() (int, error) {
				return s.pars.RemoveExpiredPushedAuthorizationRequests(ctx, now)
			})
			mu.Lock()
			result.ParRemoved = removed
			mu.Unlock()
			if err != nil {
				record(fmt.Errorf("cleanup of pushed authorization requests failed: %w", err))
			}
			return nil
		})
	}

	if s.sessions != nil {
		g.Go(func() error {
			removed, err := s.sweepSessions(ctx, now)
			mu.Lock()
			result.SessionsRemoved = removed
			mu.Unlock()
			if err != nil {
				record(fmt.Errorf("cleanup of server-side sessions failed: %w", err))
			}
			return nil
		})
	}

	_ = g.Wait()

	total := 0
	for _, n := range result.GrantsRemoved {
		total += n
	}
	if total > 0 || result.ParRemoved > 0 || result.SessionsRemoved > 0 {
		s.logger.Info("Cleanup sweep completed",
			"grants_removed", total,
			"par_removed", result.ParRemoved,
			"sessions_removed", result.SessionsRemoved)
	}

	return result, errors.Join(errs...)
}

func (s *Service) retry(ctx context.Context, name string, op func() (int, error)) (int, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.config.RetryInitialInterval
	expBackoff.MaxInterval = 30 * s.config.RetryInitialInterval
	expBackoff.Reset()

	operation := func() (int, error) {
		n, err := op()
		if err != nil && ctx.Err() != nil {
			return n, backoff.Permanent(err)
		}
		return n, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.config.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Warn("Cleanup attempt failed, retrying",
				"target", name,
				"error", err,
				"retry_in", d)
		}),
	)
}

// shouldRemove reports whether a grant is expired, or consumed long enough ago
func (s *Service) shouldRemove(grant *storage.PersistedGrant, now time.Time) bool {
	if grant.HasExpired(now) {
		return true
	}
	if s.config.RemoveConsumedTokens && grant.ConsumedTime != nil {
		return !grant.ConsumedTime.Add(s.config.ConsumedTokenCleanupDelay).After(now)
	}
	return false
}

func (s *Service) sweepGrantType(ctx context.Context, grantType string, now time.Time) (int, error) {
	grants, err := s.grants.GetAllGrants(ctx, storage.GrantFilter{Type: grantType})
	if err != nil {
		return 0, err
	}

	var removed []*storage.PersistedGrant
	for _, grant := range grants {
		if !s.shouldRemove(grant, now) {
			continue
		}
		ok, err := s.grants.RemoveGrant(ctx, grant.Key)
		if err != nil {
			return len(removed), err
		}
		// A concurrent consumer may have removed it first.
		if ok {
			removed = append(removed, grant)
		}
	}

	if len(removed) > 0 {
		s.logger.Debug("Removed stale grants", "type", grantType, "count", len(removed))
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordCleanupGrantsRemoved(ctx, grantType, len(removed))
		}
		if s.config.OnGrantsRemoved != nil {
			s.config.OnGrantsRemoved(ctx, grantType, removed)
		}
	}
	return len(removed), nil
}

func (s *Service) sweepSessions(ctx context.Context, now time.Time) (int, error) {
	var all []*storage.ServerSideSession
	for {
		batch, err := s.sessions.GetAndRemoveExpiredSessions(ctx, now, s.config.SessionBatchSize)
		if err != nil {
			return len(all), err
		}
		all = append(all, batch...)

		for _, session := range batch {
			if s.expired == nil {
				continue
			}
			if err := s.expired.ProcessExpiration(ctx, session); err != nil {
				s.logger.Warn("Failed to process expired session",
					"subject_id", session.SubjectID,
					"session_id", session.SessionID,
					"error", err)
			}
		}

		if len(batch) < s.config.SessionBatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return len(all), err
		}
	}

	if len(all) > 0 {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordCleanupSessionsRemoved(ctx, len(all))
		}
		if s.config.OnSessionsRemoved != nil {
			s.config.OnSessionsRemoved(ctx, all)
		}
	}
	return len(all), nil
}
