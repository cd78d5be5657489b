// Package security provides the cryptographic and hardening primitives used by the
// protocol engine.
//
// # Handles and Keys
//
// GenerateHandle produces the opaque values handed to clients for authorization codes,
// refresh tokens, reference tokens, device codes, backchannel requests and pushed
// authorization requests. Handles are never persisted: stores only see HashGrantKey,
// which binds the hash to the grant type so a handle of one type cannot be looked up
// as another.
//
// # Data Protection
//
// Encryptor protects serialized grant payloads and pushed authorization parameters
// with AES-256-GCM. Every call names a purpose that is bound as additional
// authenticated data, so ciphertext produced for one purpose fails to decrypt under
// another:
//
//	enc, _ := security.NewEncryptor(key)
//	sealed, _ := enc.Protect(security.PurposePushedAuthorization, params)
//	params, _ = enc.Unprotect(security.PurposePushedAuthorization, sealed)
//
// # Rate Limiting and Auditing
//
// RateLimiter throttles token and backchannel endpoint calls per client with a token
// bucket and LRU eviction. Auditor writes structured security events through slog with
// subject identifiers hashed.
package security
