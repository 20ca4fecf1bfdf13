package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10}, nil)
	defer rl.Stop()

	if rl.burst != 1 {
		t.Errorf("burst = %d, want 1", rl.burst)
	}
	if rl.maxEntries != defaultMaxEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, defaultMaxEntries)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 5}, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("request beyond burst should be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("retryAfter = %v, want (0, 1s]", retryAfter)
	}
}

func TestRateLimiter_SeparateIdentifiers(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, slog.Default())
	defer rl.Stop()

	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("first request for a should be allowed")
	}
	if ok, _ := rl.Allow("a"); ok {
		t.Fatal("second request for a should be limited")
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatal("first request for b should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 3}, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if _, ok := rl.limiters["id-0"]; ok {
		t.Error("oldest identifier should have been evicted")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, slog.Default())
	defer rl.Stop()

	rl.Allow("idle")
	rl.mu.Lock()
	rl.limiters["idle"].Value.(*rateLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()
	rl.Allow("fresh")

	rl.Cleanup(time.Minute)

	if got := rl.Len(); got != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1}, nil)
	rl.Stop()
	rl.Stop()
}
