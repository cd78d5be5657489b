package services

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

func newThrottle(clock *testutil.MockTime) *PollingThrottle {
	cache := memory.New()
	cache.SetClock(clock.Now)
	return NewPollingThrottle(cache, memory.NewRegistry(testutil.Clients(), testutil.Resources()), PollingThrottleConfig{
		BackchannelInterval: 10 * time.Second,
		DeviceFlowInterval:  10 * time.Second,
		Clock:               clock.Now,
	})
}

func TestPollingThrottle_Backchannel(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(testNow)
	throttle := newThrottle(clock)

	// The "ciba" fixture client polls every 5 seconds.
	details := &grants.BackChannelAuthenticationRequest{ClientID: "ciba", Lifetime: 5 * time.Minute}

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{advance: 0, want: false},
		{advance: 2 * time.Second, want: true},
		{advance: 4 * time.Second, want: true},
		{advance: 5 * time.Second, want: false},
		{advance: 6 * time.Second, want: false},
		{advance: time.Second, want: true},
	}
	for i, step := range steps {
		clock.Advance(step.advance)
		got, err := throttle.ShouldSlowDown(ctx, "request-1", details)
		if err != nil {
			t.Fatalf("step %d: ShouldSlowDown() error = %v", i, err)
		}
		if got != step.want {
			t.Errorf("step %d (+%v): ShouldSlowDown() = %v, want %v", i, step.advance, got, step.want)
		}
	}
}

func TestPollingThrottle_DefaultInterval(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(testNow)
	throttle := newThrottle(clock)

	// "device" has no polling interval of its own and "unknown" is not registered.
	for _, clientID := range []string{"device", "unknown"} {
		t.Run(clientID, func(t *testing.T) {
			details := &grants.DeviceCode{ClientID: clientID, Lifetime: 5 * time.Minute}
			code := "device-code-" + clientID

			if slow, err := throttle.ShouldSlowDownDevice(ctx, code, details); err != nil || slow {
				t.Fatalf("first poll = %v, %v; want false, nil", slow, err)
			}
			clock.Advance(9 * time.Second)
			if slow, _ := throttle.ShouldSlowDownDevice(ctx, code, details); !slow {
				t.Error("poll after 9s should slow down with a 10s interval")
			}
			clock.Advance(10 * time.Second)
			if slow, _ := throttle.ShouldSlowDownDevice(ctx, code, details); slow {
				t.Error("poll after a full interval should proceed")
			}
		})
	}
}

func TestPollingThrottle_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(testNow)
	throttle := newThrottle(clock)
	details := &grants.BackChannelAuthenticationRequest{ClientID: "ciba", Lifetime: time.Minute}

	if _, err := throttle.ShouldSlowDown(ctx, "request-1", details); err != nil {
		t.Fatalf("ShouldSlowDown() error = %v", err)
	}
	if slow, _ := throttle.ShouldSlowDown(ctx, "request-2", details); slow {
		t.Error("first poll of another request should proceed")
	}
	if slow, _ := throttle.ShouldSlowDownDevice(ctx, "request-1", &grants.DeviceCode{ClientID: "device", Lifetime: time.Minute}); slow {
		t.Error("device code sharing a value with a backchannel request should not be throttled")
	}
}

func TestPollingThrottle_RequiresDetails(t *testing.T) {
	throttle := newThrottle(testutil.NewMockTime(testNow))
	if _, err := throttle.ShouldSlowDown(context.Background(), "", &grants.BackChannelAuthenticationRequest{}); err == nil {
		t.Error("ShouldSlowDown() with empty request id should fail")
	}
	if _, err := throttle.ShouldSlowDownDevice(context.Background(), "code", nil); err == nil {
		t.Error("ShouldSlowDownDevice() without details should fail")
	}
}
