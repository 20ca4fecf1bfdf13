// Package oauth exposes the grant engine over net/http.
//
// Handler provides three middlewares, Authenticate, Authorize and Token, which
// translate HTTP requests into server.Request values, run the matching grant
// engine operation and either write the protocol response themselves
// (ModeRespond) or place the result on the request context and call the next
// handler (ModeContinue). RegisterRoutes mounts the standard endpoints.
//
//	srv, _ := server.New(store, codec, &server.Config{Issuer: "https://auth.example.com"}, logger)
//	h := oauth.NewHandler(srv, logger)
//	mux := http.NewServeMux()
//	h.RegisterRoutes(mux, oauth.RoutesConfig{Keys: keys})
//	mux.Handle("/api/", h.Authenticate(oauth.AuthenticateConfig{Scope: "read"})(api))
package oauth

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// ErrorCodeRateLimitExceeded is returned with status 429 by a rate limited endpoint
const ErrorCodeRateLimitExceeded = "rate_limit_exceeded"

// Handler is a thin HTTP adapter for the grant engine.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer

	metrics      *instrumentation.Metrics
	logClientIPs bool
	clientIP     security.ClientIPResolver
	tokenLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer("http"),
	}
}

// SetInstrumentation enables HTTP spans and request metrics
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
	h.logClientIPs = inst.ShouldLogClientIPs()
}

// SetClientIPResolver controls how client addresses are derived for audit
// records and rate limiting.
func (h *Handler) SetClientIPResolver(resolver security.ClientIPResolver) {
	h.clientIP = resolver
}

// SetTokenRateLimiter limits token endpoint requests per client IP.
// A nil limiter disables the limit.
func (h *Handler) SetTokenRateLimiter(rl *security.RateLimiter) {
	h.tokenLimiter = rl
}

// Server returns the grant engine behind the handler
func (h *Handler) Server() *server.Server {
	return h.server
}

// checkTokenRateLimit writes a 429 response and returns true when clientIP
// is over its token endpoint budget.
func (h *Handler) checkTokenRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.tokenLimiter == nil {
		return false
	}
	allowed, retryAfter := h.tokenLimiter.Allow(clientIP)
	if allowed {
		return false
	}

	ctx := r.Context()
	h.logger.WarnContext(ctx, "Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(ctx, clientIP)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.WriteError(w, r, &server.Error{
		Code:        ErrorCodeRateLimitExceeded,
		Description: "rate limit exceeded, try again later",
		Status:      http.StatusTooManyRequests,
	})
	return true
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
