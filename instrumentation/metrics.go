package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the protocol engine
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol Metrics
	AuthorizeRequestsValidated metric.Int64Counter
	TokenRequestsValidated     metric.Int64Counter
	TokensIssued               metric.Int64Counter
	PushedRequestsStored       metric.Int64Counter
	RefreshTokensUpdated       metric.Int64Counter
	PollingRequests            metric.Int64Counter

	// Security Metrics
	RateLimitExceeded          metric.Int64Counter
	PKCEValidationFailed       metric.Int64Counter
	CodeReuseDetected          metric.Int64Counter
	JWTReplayDetected          metric.Int64Counter
	ClientAuthenticationFailed metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal      metric.Int64Counter
	StorageOperationDuration   metric.Float64Histogram
	StorageGrantsCount         metric.Int64ObservableGauge
	StoragePushedRequestsCount metric.Int64ObservableGauge
	StorageSessionsCount       metric.Int64ObservableGauge

	// Cleanup Metrics
	CleanupGrantsRemoved   metric.Int64Counter
	CleanupSessionsRemoved metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

func int64Counter(meter metric.Meter, name, description, unit string) (metric.Int64Counter, error) {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c, nil
}

func float64Histogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	h, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h, nil
}

func int64Gauge(meter metric.Meter, name, description, unit string) (metric.Int64ObservableGauge, error) {
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g, nil
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	protocolMeter := inst.Meter("protocol")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	// HTTP Layer Metrics
	if m.HTTPRequestsTotal, err = int64Counter(httpMeter, "oidc.http.requests.total",
		"Total number of HTTP requests", "{request}"); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = float64Histogram(httpMeter, "oidc.http.request.duration",
		"HTTP request duration in milliseconds"); err != nil {
		return nil, err
	}

	// Protocol Metrics
	if m.AuthorizeRequestsValidated, err = int64Counter(protocolMeter, "oidc.authorize.validated",
		"Number of authorize requests validated", "{request}"); err != nil {
		return nil, err
	}
	if m.TokenRequestsValidated, err = int64Counter(protocolMeter, "oidc.token.validated",
		"Number of token requests validated", "{request}"); err != nil {
		return nil, err
	}
	if m.TokensIssued, err = int64Counter(protocolMeter, "oidc.token.issued",
		"Number of token responses issued", "{response}"); err != nil {
		return nil, err
	}
	if m.PushedRequestsStored, err = int64Counter(protocolMeter, "oidc.par.stored",
		"Number of pushed authorization requests stored", "{request}"); err != nil {
		return nil, err
	}
	if m.RefreshTokensUpdated, err = int64Counter(protocolMeter, "oidc.refresh_token.updated",
		"Number of refresh tokens updated on use", "{token}"); err != nil {
		return nil, err
	}
	if m.PollingRequests, err = int64Counter(protocolMeter, "oidc.polling.requests",
		"Number of device and backchannel polling requests by outcome", "{request}"); err != nil {
		return nil, err
	}

	// Security Metrics
	if m.RateLimitExceeded, err = int64Counter(securityMeter, "oidc.rate_limit.exceeded",
		"Number of rate limit violations", "{violation}"); err != nil {
		return nil, err
	}
	if m.PKCEValidationFailed, err = int64Counter(securityMeter, "oidc.pkce.validation_failed",
		"Number of PKCE validation failures", "{failure}"); err != nil {
		return nil, err
	}
	if m.CodeReuseDetected, err = int64Counter(securityMeter, "oidc.code.reuse_detected",
		"Number of authorization code reuse attempts detected", "{attempt}"); err != nil {
		return nil, err
	}
	if m.JWTReplayDetected, err = int64Counter(securityMeter, "oidc.jwt.replay_detected",
		"Number of replayed JWTs detected", "{attempt}"); err != nil {
		return nil, err
	}
	if m.ClientAuthenticationFailed, err = int64Counter(securityMeter, "oidc.client.authentication_failed",
		"Number of failed client authentications", "{failure}"); err != nil {
		return nil, err
	}

	// Storage Metrics
	if m.StorageOperationTotal, err = int64Counter(storageMeter, "storage.operation.total",
		"Total number of storage operations", "{operation}"); err != nil {
		return nil, err
	}
	if m.StorageOperationDuration, err = float64Histogram(storageMeter, "storage.operation.duration",
		"Storage operation duration in milliseconds"); err != nil {
		return nil, err
	}
	if m.StorageGrantsCount, err = int64Gauge(storageMeter, "storage.grants.count",
		"Number of persisted grants", "{grant}"); err != nil {
		return nil, err
	}
	if m.StoragePushedRequestsCount, err = int64Gauge(storageMeter, "storage.par.count",
		"Number of stored pushed authorization requests", "{request}"); err != nil {
		return nil, err
	}
	if m.StorageSessionsCount, err = int64Gauge(storageMeter, "storage.sessions.count",
		"Number of server-side sessions", "{session}"); err != nil {
		return nil, err
	}

	// Cleanup Metrics
	if m.CleanupGrantsRemoved, err = int64Counter(storageMeter, "storage.cleanup.grants_removed",
		"Number of expired or consumed grants removed by cleanup", "{grant}"); err != nil {
		return nil, err
	}
	if m.CleanupSessionsRemoved, err = int64Counter(storageMeter, "storage.cleanup.sessions_removed",
		"Number of expired sessions removed by cleanup", "{session}"); err != nil {
		return nil, err
	}

	// Audit Metrics
	if m.AuditEventsTotal, err = int64Counter(securityMeter, "oidc.audit.events.total",
		"Total number of audit events", "{event}"); err != nil {
		return nil, err
	}

	// Encryption Metrics
	if m.EncryptionOperationsTotal, err = int64Counter(securityMeter, "oidc.encryption.operations.total",
		"Total number of protect/unprotect operations", "{operation}"); err != nil {
		return nil, err
	}
	if m.EncryptionDuration, err = float64Histogram(securityMeter, "oidc.encryption.duration",
		"Protect/unprotect operation duration in milliseconds"); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizeValidation records the outcome of an authorize request validation.
// errorCode is empty for successful validations.
func (m *Metrics) RecordAuthorizeValidation(ctx context.Context, clientID, errorCode string) {
	m.AuthorizeRequestsValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", errorCode == ""),
		attribute.String("error", errorCode),
	))
}

// RecordTokenValidation records the outcome of a token request validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, grantType, errorCode string) {
	m.TokenRequestsValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.Bool("success", errorCode == ""),
		attribute.String("error", errorCode),
	))
}

// RecordTokenIssued records a token response
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordPushedRequestStored records a stored pushed authorization request
func (m *Metrics) RecordPushedRequestStored(ctx context.Context, clientID string) {
	m.PushedRequestsStored.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRefreshTokenUpdate records a refresh token update and whether a new handle was issued
func (m *Metrics) RecordRefreshTokenUpdate(ctx context.Context, clientID string, rotated bool) {
	m.RefreshTokensUpdated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordPollingRequest records a device or backchannel polling request with its outcome
func (m *Metrics) RecordPollingRequest(ctx context.Context, grantType, outcome string) {
	m.PollingRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordJWTReplayDetected records a replayed JWT for the given purpose
func (m *Metrics) RecordJWTReplayDetected(ctx context.Context, purpose string) {
	m.JWTReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("purpose", purpose),
	))
}

// RecordClientAuthenticationFailed records a failed client authentication
func (m *Metrics) RecordClientAuthenticationFailed(ctx context.Context, method string) {
	m.ClientAuthenticationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCleanupGrantsRemoved records grants removed by a cleanup sweep
func (m *Metrics) RecordCleanupGrantsRemoved(ctx context.Context, grantType string, count int) {
	m.CleanupGrantsRemoved.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordCleanupSessionsRemoved records sessions removed by a cleanup sweep
func (m *Metrics) RecordCleanupSessionsRemoved(ctx context.Context, count int) {
	m.CleanupSessionsRemoved.Add(ctx, int64(count))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records a protect or unprotect operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
