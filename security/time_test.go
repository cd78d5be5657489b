package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		skew      time.Duration
		want      bool
	}{
		{"zero never expires", time.Time{}, 0, false},
		{"future", now.Add(time.Minute), 0, false},
		{"exactly now without skew", now, 0, false},
		{"past without skew", now.Add(-time.Second), 0, true},
		{"past within skew", now.Add(-time.Minute), DefaultClockSkew, false},
		{"past beyond skew", now.Add(-6 * time.Minute), DefaultClockSkew, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now, tt.skew); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotYetValid(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		notBefore time.Time
		skew      time.Duration
		want      bool
	}{
		{"zero always valid", time.Time{}, 0, false},
		{"past", now.Add(-time.Minute), 0, false},
		{"future without skew", now.Add(time.Second), 0, true},
		{"future within skew", now.Add(time.Minute), DefaultClockSkew, false},
		{"future beyond skew", now.Add(6 * time.Minute), DefaultClockSkew, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotYetValid(tt.notBefore, now, tt.skew); got != tt.want {
				t.Errorf("IsNotYetValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingLifetime(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := RemainingLifetime(now.Add(90*time.Second), now); got != 90*time.Second {
		t.Errorf("RemainingLifetime() = %v, want 90s", got)
	}
	if got := RemainingLifetime(now.Add(-time.Second), now); got != 0 {
		t.Errorf("RemainingLifetime() past = %v, want 0", got)
	}
}
