// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by a single sync.RWMutex, which makes code redemption
// and refresh rotation atomic. A background goroutine removes expired codes
// and tokens; expiry is still enforced by callers comparing timestamps, so the
// cleanup interval never affects correctness.
//
// For multi-instance deployments use storage/valkey or storage/postgres.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, codec, cfg, logger)
package memory
