// Package grants provides typed, handle-keyed stores layered over storage.GrantStore.
//
// Each store generates an opaque handle for the caller, hashes it together with the
// grant type into the storage key, serializes the item (optionally encrypted) into the
// grant's Data field and records client, subject, session and expiry metadata so the
// grant can be found by filter and removed by cleanup.
//
// The handle itself is never persisted; lookups re-derive the key from the handle:
//
//	codes := grants.NewAuthorizationCodeStore(store, serializer, nil)
//	handle, err := codes.StoreAuthorizationCode(ctx, code)
//	...
//	code, err := codes.GetAuthorizationCode(ctx, handle)
//	removed, err := codes.RemoveAuthorizationCode(ctx, handle)
package grants
