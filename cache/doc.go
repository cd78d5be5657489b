// Package cache provides an in-process cache with per-entry expiration and a loader,
// and a caching decorator for the client store.
//
// Entries are checked against the clock when read; nothing sweeps them in the
// background. Concurrent misses for the same key share a single load.
package cache
