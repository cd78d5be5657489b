package oidc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/validation"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("issuer: https://idp.example.com\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"pushed authorization lifetime", cfg.PushedAuthorization.Lifetime, DefaultPushedAuthorizationLifetime},
		{"ciba lifetime", cfg.CIBA.DefaultLifetime, DefaultCIBALifetime},
		{"ciba polling interval", cfg.CIBA.DefaultPollingInterval, DefaultCIBAPollingInterval},
		{"device polling interval", cfg.DeviceFlow.PollingInterval, DefaultDevicePollingInterval},
		{"cleanup interval", cfg.Cleanup.Interval, DefaultCleanupInterval},
		{"clock skew", cfg.Security.ClockSkew, DefaultClockSkew},
		{"rate limit burst", cfg.RateLimit.Burst, DefaultRateLimitBurst},
		{"trusted proxy count", cfg.RateLimit.TrustedProxyCount, 1},
		{"storage type", cfg.Storage.Type, StorageTypeMemory},
		{"valkey key prefix", cfg.Storage.Valkey.KeyPrefix, DefaultValkeyKeyPrefix},
		{"input length restrictions", cfg.InputLengthRestrictions, validation.DefaultInputLengthRestrictions()},
		{"prompt values", cfg.Endpoints.PromptValuesSupported, validation.DefaultPromptValuesSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("default mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConfig_Values(t *testing.T) {
	data := `
issuer: https://idp.example.com/tenant
login_url: https://idp.example.com/account/login
client_cache_duration: 2m
pushed_authorization:
  required: true
  lifetime: 90s
ciba:
  default_polling_interval: 3s
rate_limit:
  requests_per_second: 5
  burst: 10
sessions:
  enabled: true
  sliding_lifetime: 1h
storage:
  type: valkey
  valkey:
    address: localhost:6379
    key_prefix: "idp:"
`
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.LoginURL != "https://idp.example.com/account/login" {
		t.Errorf("LoginURL = %q", cfg.LoginURL)
	}
	if cfg.ClientCacheDuration != 2*time.Minute {
		t.Errorf("ClientCacheDuration = %v, want 2m", cfg.ClientCacheDuration)
	}
	if !cfg.PushedAuthorization.Required || cfg.PushedAuthorization.Lifetime != 90*time.Second {
		t.Errorf("PushedAuthorization = %+v", cfg.PushedAuthorization)
	}
	if cfg.CIBA.DefaultPollingInterval != 3*time.Second {
		t.Errorf("CIBA.DefaultPollingInterval = %v, want 3s", cfg.CIBA.DefaultPollingInterval)
	}
	if cfg.RateLimit.RequestsPerSecond != 5 || cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if !cfg.Sessions.Enabled || cfg.Sessions.SlidingLifetime != time.Hour {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Storage.Type != StorageTypeValkey || cfg.Storage.Valkey.KeyPrefix != "idp:" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing issuer",
			data:    "login_url: https://idp.example.com/login\n",
			wantErr: "Issuer",
		},
		{
			name:    "issuer not a url",
			data:    "issuer: not a url\n",
			wantErr: "Issuer",
		},
		{
			name:    "unknown storage type",
			data:    "issuer: https://idp.example.com\nstorage:\n  type: postgres\n",
			wantErr: "oneof",
		},
		{
			name:    "valkey without address",
			data:    "issuer: https://idp.example.com\nstorage:\n  type: valkey\n",
			wantErr: "storage.valkey.address",
		},
		{
			name:    "encryption key not base64",
			data:    "issuer: https://idp.example.com\nsecurity:\n  encryption_key: \"!!!\"\n",
			wantErr: "EncryptionKey",
		},
		{
			name:    "negative rate",
			data:    "issuer: https://idp.example.com\nrate_limit:\n  requests_per_second: -1\n",
			wantErr: "RequestsPerSecond",
		},
		{
			name:    "malformed yaml",
			data:    "issuer: [",
			wantErr: "failed to parse config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if err == nil {
				t.Fatal("ParseConfig() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseConfig() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("issuer: https://idp.example.com\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Issuer != "https://idp.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}
