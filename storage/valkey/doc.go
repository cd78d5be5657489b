// Package valkey provides a Valkey storage backend for the protocol engine.
//
// Valkey is wire-compatible with Redis. The Store type implements:
//
//   - [storage.GrantStore]: persisted grants with secondary indexes for filter queries
//   - [storage.PushedAuthorizationRequestStore]: one-time pushed authorization requests
//   - [storage.ServerSideSessionStore]: authentication sessions with an expiry index
//   - [storage.Cache]: the shared cache behind polling throttling and JWT replay detection
//
// # Key Schema
//
// All keys use a configurable prefix (default "{oidc}:"). The prefix always carries a
// hash tag, so a cluster keeps every key in one slot and multi-key scripts stay legal.
//
//	{prefix}grant:{key}               -> JSON(PersistedGrant), TTL = expiration + retention
//	{prefix}grants:type:{type}        -> SET of grant keys
//	{prefix}grants:sub:{subjectID}    -> SET of grant keys
//	{prefix}grants:client:{clientID}  -> SET of grant keys
//	{prefix}grants:sid:{sessionID}    -> SET of grant keys
//	{prefix}par:{hash}                -> JSON(PushedAuthorizationRequest), TTL = expiry + retention
//	{prefix}session:{key}             -> JSON(ServerSideSession)
//	{prefix}sessions:sub:{subjectID}  -> SET of session keys
//	{prefix}sessions:sid:{sessionID}  -> SET of session keys
//	{prefix}sessions:expiry           -> ZSET of session keys scored by expiry (unix ms)
//	{prefix}cache:{key}               -> string with TTL
//
// Index sets are not expired with their members. Readers drop members whose record is
// gone, so an index is eventually consistent with the records it points to.
//
// # Atomic Operations
//
// Removing a grant is a Lua script that deletes and unindexes the record in one step,
// so concurrent consumers of the same handle observe success at most once. The script
// declares the grant key and its index sets in KEYS and only deletes if the record
// still matches the value read before. Pushed
// authorization requests and sessions are created with SET NX.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "{oidc}:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Records are kept for ExpiredRetention past their expiration so that lookups can still
// tell an expired grant from an unknown one. Run storage/cleanup to remove them earlier.
package valkey
