// Package cache is the local response cache that sits inside the transport.
//
// Read-only requests (GET and HEAD) are fingerprinted from their method,
// target and canonicalized headers. Fresh responses are replayed from a
// SQLite table owned by the current connection profile; stale rows are
// removed when a lookup finds them. Key features:
//   - BLAKE3-256 cache keys that ignore header case, order and credentials
//   - One table per profile in a single WAL-mode database shared by processes
//   - Per-endpoint TTL overrides from an ordered regular-expression policy file
//   - Storage and decoding failures degrade to a cache miss, never to an error
package cache
