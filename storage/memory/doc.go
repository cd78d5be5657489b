// Package memory provides an in-memory implementation of the storage interfaces.
//
// Store implements GrantStore, PushedAuthorizationRequestStore, ServerSideSessionStore
// and Cache using maps guarded by a sync.RWMutex. Registry implements the read-only
// ClientStore and ResourceStore over a fixed configuration.
//
// Expired records are not swept by the store itself; run storage/cleanup against it.
// Cache entries expire lazily on read and are pruned on write.
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	registry := memory.NewRegistry(clients, resources)
package memory
