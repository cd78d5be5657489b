package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for audit event counters
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the subject identifier hashed.
// A nil Auditor is a no-op.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"subject_id_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}
}

// LogTokenIssued logs a token endpoint success
func (a *Auditor) LogTokenIssued(ctx context.Context, subjectID, clientID, grantType, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogRefreshTokenUpdated logs a refresh token update on use
func (a *Auditor) LogRefreshTokenUpdated(ctx context.Context, subjectID, clientID string, rotated bool) {
	a.LogEvent(ctx, Event{
		Type:      EventRefreshTokenUpdated,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogValidationFailure logs a rejected protocol request
func (a *Auditor) LogValidationFailure(ctx context.Context, endpoint, clientID, code, description string) {
	a.LogEvent(ctx, Event{
		Type:     EventValidationFailure,
		ClientID: clientID,
		Details: map[string]any{
			"endpoint":          endpoint,
			"error":             code,
			"error_description": description,
		},
	})
}

// LogClientAuthenticationFailed logs rejected client credentials
func (a *Auditor) LogClientAuthenticationFailed(ctx context.Context, clientID, method, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientAuthenticationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, clientID, ipAddress, endpoint string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogReuseDetected logs presentation of an already-consumed grant
func (a *Auditor) LogReuseDetected(ctx context.Context, eventType, subjectID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
