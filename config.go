package oidc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-engine/validation"
)

// Defaults applied by applySecureDefaults
const (
	DefaultPushedAuthorizationLifetime = 10 * time.Minute
	DefaultCIBALifetime                = 5 * time.Minute
	DefaultCIBAPollingInterval         = 5 * time.Second
	DefaultDevicePollingInterval       = 5 * time.Second
	DefaultCleanupInterval             = time.Hour
	DefaultClockSkew                   = 5 * time.Minute
	DefaultRateLimitBurst              = 20
	DefaultValkeyKeyPrefix             = "{oidc}:"
)

// Storage backends
const (
	StorageTypeMemory = "memory"
	StorageTypeValkey = "valkey"
)

// Config holds the protocol engine configuration.
// Structured using composition, the way it is laid out in YAML.
type Config struct {
	// Issuer is the issuer identifier and the base URL of every endpoint (required)
	Issuer string `yaml:"issuer" validate:"required,url"`

	// LoginURL is where the authorize endpoint sends users that must sign in.
	// The original authorize URL is passed as returnUrl. Without it the endpoint
	// answers login_required.
	LoginURL string `yaml:"login_url" validate:"omitempty,url"`

	// ClientCacheDuration caches client lookups for this long. Zero disables caching.
	ClientCacheDuration time.Duration `yaml:"client_cache_duration" validate:"gte=0"`

	// Endpoint response settings
	Endpoints EndpointsConfig `yaml:"endpoints"`

	// Pushed authorization requests (RFC 9126)
	PushedAuthorization PushedAuthorizationConfig `yaml:"pushed_authorization"`

	// Client initiated backchannel authentication
	CIBA CIBAConfig `yaml:"ciba"`

	// Device authorization grant
	DeviceFlow DeviceFlowConfig `yaml:"device_flow"`

	// InputLengthRestrictions bound every request parameter
	InputLengthRestrictions validation.InputLengthRestrictions `yaml:"input_length_restrictions"`

	// Refresh token handling
	RefreshTokens RefreshTokenConfig `yaml:"refresh_tokens"`

	// Server-side session coordination
	Sessions SessionConfig `yaml:"sessions"`

	// Expired grant cleanup
	Cleanup CleanupConfig `yaml:"cleanup"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CORS for browser-based clients calling back-channel endpoints
	CORS CORSConfig `yaml:"cors"`

	// Security settings (secure by default)
	Security SecurityConfig `yaml:"security"`

	// Storage backend
	Storage StorageConfig `yaml:"storage"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `yaml:"-"`

	// HTTPClient fetches request objects passed by reference.
	// If not provided, a client refusing private network addresses is used.
	HTTPClient *http.Client `yaml:"-"`
}

// CORSConfig holds CORS settings. CORS is disabled when AllowedOrigins is empty.
type CORSConfig struct {
	// AllowedOrigins lists the exact origins allowed. "*" allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool `yaml:"allow_credentials"`

	// MaxAge is the preflight cache duration in seconds (default: 3600)
	MaxAge int `yaml:"max_age" validate:"gte=0"`
}

// EndpointsConfig controls optional response parameters
type EndpointsConfig struct {
	// DisableSessionState omits session_state from authorize responses
	DisableSessionState bool `yaml:"disable_session_state"`

	// DisableIssuerParameter omits iss from authorize responses (RFC 9207)
	DisableIssuerParameter bool `yaml:"disable_issuer_parameter"`

	// PromptValuesSupported lists accepted prompt values. Default: validation.DefaultPromptValuesSupported
	PromptValuesSupported []string `yaml:"prompt_values_supported"`
}

// PushedAuthorizationConfig holds pushed authorization settings
type PushedAuthorizationConfig struct {
	// Disabled turns the pushed authorization endpoint off
	Disabled bool `yaml:"disabled"`

	// Required rejects authorize requests of every client that were not pushed
	Required bool `yaml:"required"`

	// Lifetime is the default request_uri lifetime. Default: 10 minutes
	Lifetime time.Duration `yaml:"lifetime" validate:"gte=0"`

	// AllowUnregisteredRedirectURIs lets confidential clients push redirect URIs
	// that are not registered.
	AllowUnregisteredRedirectURIs bool `yaml:"allow_unregistered_redirect_uris"`
}

// CIBAConfig holds backchannel authentication settings
type CIBAConfig struct {
	// DefaultLifetime applies to clients without a backchannel request lifetime. Default: 5 minutes
	DefaultLifetime time.Duration `yaml:"default_lifetime" validate:"gte=0"`

	// DefaultPollingInterval applies to clients without a polling interval. Default: 5 seconds
	DefaultPollingInterval time.Duration `yaml:"default_polling_interval" validate:"gte=0"`
}

// DeviceFlowConfig holds device authorization settings
type DeviceFlowConfig struct {
	// PollingInterval is the minimum time between token requests for a device code. Default: 5 seconds
	PollingInterval time.Duration `yaml:"polling_interval" validate:"gte=0"`
}

// RefreshTokenConfig holds refresh token settings
type RefreshTokenConfig struct {
	// DeleteOneTimeOnlyOnUse removes used one-time refresh tokens instead of
	// marking them consumed. Consumed tokens enable reuse detection.
	DeleteOneTimeOnlyOnUse bool `yaml:"delete_one_time_only_on_use"`

	// RevokeOnReuse revokes every refresh token of the subject and client when a
	// consumed token is presented again
	RevokeOnReuse bool `yaml:"revoke_on_reuse"`
}

// SessionConfig holds server-side session settings
type SessionConfig struct {
	// Enabled tracks user sessions in the backend and coordinates token lifetimes with them
	Enabled bool `yaml:"enabled"`

	// CoordinateClientLifetimesWithUserSession ends refresh tokens with the user session
	// for clients that do not decide themselves
	CoordinateClientLifetimesWithUserSession bool `yaml:"coordinate_client_lifetimes_with_user_session"`

	// SlidingLifetime extends a session on every validation when positive
	SlidingLifetime time.Duration `yaml:"sliding_lifetime" validate:"gte=0"`
}

// CleanupConfig holds background cleanup settings
type CleanupConfig struct {
	// Disabled turns the cleanup loop off
	Disabled bool `yaml:"disabled"`

	// Interval between sweeps. Default: 1 hour
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// RemoveConsumedTokens also removes consumed grants
	RemoveConsumedTokens bool `yaml:"remove_consumed_tokens"`

	// ConsumedTokenCleanupDelay keeps consumed grants this long before removal
	ConsumedTokenCleanupDelay time.Duration `yaml:"consumed_token_cleanup_delay" validate:"gte=0"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client IP on the back-channel
	// endpoints. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the maximum burst size per client IP. Default: 20
	Burst int `yaml:"burst" validate:"gte=0"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of the server
	TrustedProxyCount int `yaml:"trusted_proxy_count" validate:"gte=0"`
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the base64 encoded AES-256 key protecting grant and pushed
	// request payloads at rest. Empty disables encryption.
	EncryptionKey string `yaml:"encryption_key" validate:"omitempty,base64"`

	// EnableAuditLogging enables security audit logging
	EnableAuditLogging bool `yaml:"enable_audit_logging"`

	// EnableRequestURI allows request objects passed by reference
	EnableRequestURI bool `yaml:"enable_request_uri"`

	// StrictRequestObjectType requires request objects to carry typ oauth-authz-req+jwt
	StrictRequestObjectType bool `yaml:"strict_request_object_type"`

	// ClockSkew is tolerated when checking JWT lifetimes. Default: 5 minutes
	ClockSkew time.Duration `yaml:"clock_skew" validate:"gte=0"`
}

// StorageConfig selects the operational store
type StorageConfig struct {
	// Type is memory or valkey. Default: memory
	Type string `yaml:"type" validate:"omitempty,oneof=memory valkey"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig holds the Valkey connection settings
type ValkeyConfig struct {
	// Address of the server, e.g. "localhost:6379". Required for the valkey storage type.
	Address string `yaml:"address"`

	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// KeyPrefix is the prefix for all keys. Default: "{oidc}:"
	KeyPrefix string `yaml:"key_prefix"`

	// DisableCache turns off client-side caching for servers without CLIENT TRACKING
	DisableCache bool `yaml:"disable_cache"`
}

// LoadConfig reads a YAML configuration file, applies the secure defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration, applies the secure defaults and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applySecureDefaults(&config, slog.Default())
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration bounds
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			first := invalid[0]
			return fmt.Errorf("invalid config: %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Type == StorageTypeValkey && c.Storage.Valkey.Address == "" {
		return fmt.Errorf("invalid config: storage.valkey.address is required for the valkey storage type")
	}
	return nil
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// applySecureDefaults fills unset values.
// Opt-outs of secure behavior are logged as warnings.
func applySecureDefaults(config *Config, logger *slog.Logger) {
	if config.PushedAuthorization.Lifetime == 0 {
		config.PushedAuthorization.Lifetime = DefaultPushedAuthorizationLifetime
	}
	if config.CIBA.DefaultLifetime == 0 {
		config.CIBA.DefaultLifetime = DefaultCIBALifetime
	}
	if config.CIBA.DefaultPollingInterval == 0 {
		config.CIBA.DefaultPollingInterval = DefaultCIBAPollingInterval
	}
	if config.DeviceFlow.PollingInterval == 0 {
		config.DeviceFlow.PollingInterval = DefaultDevicePollingInterval
	}
	if config.InputLengthRestrictions == (validation.InputLengthRestrictions{}) {
		config.InputLengthRestrictions = validation.DefaultInputLengthRestrictions()
	}
	if len(config.Endpoints.PromptValuesSupported) == 0 {
		config.Endpoints.PromptValuesSupported = slices.Clone(validation.DefaultPromptValuesSupported)
	}
	if config.Cleanup.Interval == 0 {
		config.Cleanup.Interval = DefaultCleanupInterval
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = DefaultRateLimitBurst
	}
	if config.RateLimit.TrustedProxyCount == 0 {
		config.RateLimit.TrustedProxyCount = 1
	}
	if config.Security.ClockSkew == 0 {
		config.Security.ClockSkew = DefaultClockSkew
	}
	if config.Storage.Type == "" {
		config.Storage.Type = StorageTypeMemory
	}
	if config.Storage.Valkey.KeyPrefix == "" {
		config.Storage.Valkey.KeyPrefix = DefaultValkeyKeyPrefix
	}

	if config.Security.EncryptionKey == "" {
		logger.Warn("Grant payloads are stored unencrypted",
			"recommendation", "Set security.encryption_key to a base64 encoded 32 byte key")
	}
	if config.RateLimit.TrustProxy {
		logger.Warn("Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount)
	}
	if config.PushedAuthorization.AllowUnregisteredRedirectURIs {
		logger.Warn("Unregistered redirect URIs are accepted in pushed requests of confidential clients")
	}
}
