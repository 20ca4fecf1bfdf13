// Package security provides security-related functionality for the authorization server.
//
// # Rate Limiting
//
// RateLimiter provides per-identifier token-bucket rate limiting with LRU
// eviction and idle cleanup so that memory stays bounded under distributed
// abuse. The token endpoint uses it keyed by client IP.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(ip); !ok {
//		// respond 429 with Retry-After
//	}
//
// # Audit Logging
//
// Auditor writes "security_audit" records through slog. User ids are hashed
// before logging; credentials are never logged.
//
// # Client IP
//
// ClientIPResolver honours X-Forwarded-For and X-Real-IP only when configured
// to trust a proxy.
package security
