package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

// Default polling intervals
const (
	DefaultBackchannelPollingInterval = 5 * time.Second
	DefaultDeviceFlowPollingInterval  = 5 * time.Second
)

// Cache key prefixes for the last poll time
const (
	backchannelThrottleKeyPrefix = "backchannel_"
	deviceThrottleKeyPrefix      = "devicecode_"
)

// Polling outcomes recorded in metrics
const (
	PollingOutcomeProceed  = "proceed"
	PollingOutcomeSlowDown = "slow_down"
)

// PollingThrottleConfig configures PollingThrottle.
type PollingThrottleConfig struct {
	BackchannelInterval time.Duration
	DeviceFlowInterval  time.Duration
	Logger              *slog.Logger
	Clock               func() time.Time
}

// PollingThrottle tells device and backchannel clients to slow down when they poll the
// token endpoint faster than their polling interval. The last poll time is kept in a
// storage.Cache so the interval holds across server instances.
type PollingThrottle struct {
	cache               storage.Cache
	clients             storage.ClientStore
	backchannelInterval time.Duration
	deviceInterval      time.Duration
	logger              *slog.Logger
	now                 func() time.Time
	instrumentation     *instrumentation.Instrumentation
}

// NewPollingThrottle creates the throttle.
func NewPollingThrottle(cache storage.Cache, clients storage.ClientStore, cfg PollingThrottleConfig) *PollingThrottle {
	if cfg.BackchannelInterval <= 0 {
		cfg.BackchannelInterval = DefaultBackchannelPollingInterval
	}
	if cfg.DeviceFlowInterval <= 0 {
		cfg.DeviceFlowInterval = DefaultDeviceFlowPollingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &PollingThrottle{
		cache:               cache,
		clients:             clients,
		backchannelInterval: cfg.BackchannelInterval,
		deviceInterval:      cfg.DeviceFlowInterval,
		logger:              cfg.Logger,
		now:                 cfg.Clock,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for polling metrics
func (t *PollingThrottle) SetInstrumentation(inst *instrumentation.Instrumentation) {
	t.instrumentation = inst
}

// ShouldSlowDown reports whether a backchannel poll for requestID came too early.
func (t *PollingThrottle) ShouldSlowDown(ctx context.Context, requestID string, details *grants.BackChannelAuthenticationRequest) (bool, error) {
	if requestID == "" || details == nil {
		return false, fmt.Errorf("request id and details are required")
	}
	slow, err := t.check(ctx, backchannelThrottleKeyPrefix+requestID, details.ClientID, details.Lifetime, t.backchannelInterval)
	t.record(ctx, storage.GrantTypeCIBA, slow, err)
	return slow, err
}

// ShouldSlowDownDevice reports whether a device code poll came too early.
func (t *PollingThrottle) ShouldSlowDownDevice(ctx context.Context, deviceCode string, details *grants.DeviceCode) (bool, error) {
	if deviceCode == "" || details == nil {
		return false, fmt.Errorf("device code and details are required")
	}
	slow, err := t.check(ctx, deviceThrottleKeyPrefix+deviceCode, details.ClientID, details.Lifetime, t.deviceInterval)
	t.record(ctx, storage.GrantTypeDeviceCode, slow, err)
	return slow, err
}

// check records the current poll time and reports whether the previous poll was less
// than the polling interval ago. The stored time moves on every poll, so a client
// that keeps polling too fast is slowed down until it waits a full interval.
func (t *PollingThrottle) check(ctx context.Context, key, clientID string, lifetime, defaultInterval time.Duration) (bool, error) {
	now := t.now()
	if lifetime <= 0 {
		lifetime = defaultInterval
	}

	lastSeenValue, found, err := t.cache.GetString(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read last poll time: %w", err)
	}

	slow := false
	if found {
		lastSeen, parseErr := time.Parse(time.RFC3339Nano, lastSeenValue)
		if parseErr != nil {
			t.logger.Warn("Ignoring unreadable last poll time", "error", parseErr)
		} else {
			interval, err := t.pollingInterval(ctx, clientID, defaultInterval)
			if err != nil {
				return false, err
			}
			slow = now.Before(lastSeen.Add(interval))
		}
	}

	if err := t.cache.SetString(ctx, key, now.UTC().Format(time.RFC3339Nano), lifetime); err != nil {
		return false, fmt.Errorf("failed to record poll time: %w", err)
	}
	return slow, nil
}

func (t *PollingThrottle) pollingInterval(ctx context.Context, clientID string, defaultInterval time.Duration) (time.Duration, error) {
	client, err := t.clients.FindClientByID(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return defaultInterval, nil
	case err != nil:
		return 0, fmt.Errorf("failed to load client: %w", err)
	case client.Enabled && client.PollingInterval != nil:
		return *client.PollingInterval, nil
	default:
		return defaultInterval, nil
	}
}

func (t *PollingThrottle) record(ctx context.Context, grantType string, slow bool, err error) {
	if t.instrumentation == nil || err != nil {
		return
	}
	outcome := PollingOutcomeProceed
	if slow {
		outcome = PollingOutcomeSlowDown
	}
	t.instrumentation.Metrics().RecordPollingRequest(ctx, grantType, outcome)
}
