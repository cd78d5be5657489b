package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	// The braces form a hash tag, so every key lands in the same cluster slot.
	DefaultKeyPrefix = "{oidc}:"

	// DefaultExpiredRetention is how long records are kept past their expiration
	DefaultExpiredRetention = time.Hour

	// keyLogLength is the number of characters to include when logging hashed keys
	keyLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = fmt.Errorf("record exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "{oidc}:").
	// A prefix without a hash tag is wrapped into one, e.g. "idp:" becomes "{idp}:".
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredRetention keeps expired records readable for this long (default 1h)
	ExpiredRetention time.Duration

	// DisableCache turns off client-side caching, required for servers without CLIENT TRACKING
	DisableCache bool
}

// Store is a Valkey-backed implementation of the mutable storage interfaces.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.GrantStore                      = (*Store)(nil)
	_ storage.PushedAuthorizationRequestStore = (*Store)(nil)
	_ storage.ServerSideSessionStore          = (*Store)(nil)
	_ storage.Cache                           = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		DisableCache: cfg.DisableCache,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB, TLS and DisableCache are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := DefaultKeyPrefix
	if cfg.KeyPrefix != "" {
		prefix = hashTagged(cfg.KeyPrefix)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Key helpers
// ============================================================

// hashTagged returns prefix unchanged if it carries a non-empty hash tag and wraps
// it into one otherwise. Scripts and index reads touch several keys at once, which
// a cluster only allows within one slot.
func hashTagged(prefix string) string {
	if open := strings.IndexByte(prefix, '{'); open >= 0 {
		if end := strings.IndexByte(prefix[open+1:], '}'); end > 0 {
			return prefix
		}
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

func (s *Store) grantKey(key string) string { return s.prefix + "grant:" + key }

func (s *Store) grantIndexKey(field, value string) string {
	return fmt.Sprintf("%sgrants:%s:%s", s.prefix, field, value)
}

func (s *Store) parKey(hash string) string { return s.prefix + "par:" + hash }

func (s *Store) sessionKey(key string) string { return s.prefix + "session:" + key }

func (s *Store) sessionIndexKey(field, value string) string {
	return fmt.Sprintf("%ssessions:%s:%s", s.prefix, field, value)
}

func (s *Store) sessionExpiryKey() string { return s.prefix + "sessions:expiry" }

func (s *Store) cacheKey(key string) string { return s.prefix + "cache:" + key }

// ttlUntil returns the key TTL for a record expiring at expiresAt, including retention.
// EX takes whole seconds, so the result is rounded up and at least one second.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	return roundUpSeconds(expiresAt.Sub(s.now()) + s.retention)
}

func roundUpSeconds(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}
