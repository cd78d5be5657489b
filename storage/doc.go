// Package storage defines the persistence model and collaborator interfaces of the engine.
//
// The storage package defines the records the protocol engine persists and the
// interfaces used to reach them:
//   - GrantStore: expiring, consumable, hashed-key grant records (codes, tokens, consent,
//     device codes, backchannel requests)
//   - PushedAuthorizationRequestStore: one-time pushed authorization parameter sets
//   - ServerSideSessionStore: authentication sessions used to coordinate token lifetimes
//   - ClientStore and ResourceStore: read-only client and scope registries
//   - Cache: small string cache with TTL used for throttling and replay detection
//
// Keys handed to a GrantStore are always hashes of the handle issued to the caller.
// The raw handle is never persisted.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/cleanup: Background removal of expired and consumed grants
package storage
