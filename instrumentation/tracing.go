package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record handles, tokens, codes, client secrets or request
// objects in traces or metrics. Only record metadata such as grant types, token
// types and validation results.
const (
	// Protocol attributes
	AttrClientID         = "oidc.client_id"
	AttrSubjectID        = "oidc.subject_id"
	AttrSessionID        = "oidc.session_id"
	AttrScope            = "oidc.scope"
	AttrPKCEMethod       = "oidc.pkce.method"
	AttrGrantType        = "oidc.grant_type"
	AttrResponseType     = "oidc.response_type"
	AttrResponseMode     = "oidc.response_mode"
	AttrPushed           = "oidc.par"
	AttrTokenType        = "oidc.token_type" //nolint:gosec // token type name, never the token
	AttrError            = "oidc.error"
	AttrErrorDescription = "oidc.error_description"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
	AttrGrantRecordType  = "storage.grant_type"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrClientIP            = "security.client_ip"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddProtocolAttributes adds the common request attributes to a span (nil-safe)
func AddProtocolAttributes(span trace.Span, clientID, subjectID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddProtocolError records a protocol error code and description on a span (nil-safe).
// Protocol errors are expected outcomes, so the span status is left untouched.
func AddProtocolError(span trace.Span, code, description string) {
	if code == "" {
		return
	}
	SetSpanAttributes(span, attribute.String(AttrError, code))
	if description != "" {
		SetSpanAttributes(span, attribute.String(AttrErrorDescription, description))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Check ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
