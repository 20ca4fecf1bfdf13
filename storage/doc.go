// Package storage provides interfaces and shared types for OAuth client, user, code and token persistence.
//
// The storage package defines the storage interfaces used by the authorization server:
//   - ClientStore: Manages registered OAuth clients
//   - UserStore: Resolves resource owners
//   - CodeStore: Manages authorization codes, including atomic redemption
//   - TokenStore: Manages access and refresh token records, including atomic rotation
//
// Store combines all four. Expiry is always passive: records carry absolute
// expiry instants that callers compare against the wall clock. Background
// cleanup in implementations only reclaims space.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/postgres: PostgreSQL storage with embedded migrations
package storage
