// Package instrumentation provides OpenTelemetry instrumentation for the protocol engine.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-identity-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		SpanExporter:   exporter,
//		MetricReader:   reader,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false every provider is a no-op and recording costs nothing.
//
// # Available Metrics
//
// HTTP Layer:
//   - oidc.http.requests.total{method, endpoint, status}
//   - oidc.http.request.duration{endpoint}
//
// Protocol:
//   - oidc.authorize.validated{client_id, success, error}
//   - oidc.token.validated{grant_type, success, error}
//   - oidc.token.issued{client_id, grant_type}
//   - oidc.par.stored{client_id}
//   - oidc.refresh_token.updated{client_id, rotated}
//   - oidc.polling.requests{grant_type, outcome}
//
// Security:
//   - oidc.rate_limit.exceeded{limiter_type}
//   - oidc.pkce.validation_failed{method}
//   - oidc.code.reuse_detected
//   - oidc.jwt.replay_detected{purpose}
//   - oidc.client.authentication_failed{method}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.grants.count, storage.par.count, storage.sessions.count
//   - storage.cleanup.grants_removed{grant_type}, storage.cleanup.sessions_removed
//
// # Security Considerations
//
// Handles, codes, tokens, PKCE verifiers and client secrets are never recorded.
// Client IPs are only recorded when Config.LogClientIPs is set, since they may be PII.
package instrumentation
