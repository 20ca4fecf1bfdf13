package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// tokenLogLength is the number of characters of a code or token that may be logged
const tokenLogLength = 8

// Server implements the grant engine.
// It is safe for concurrent use; all shared state lives in the store.
type Server struct {
	store   storage.Store
	codec   token.Codec
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates a new grant engine
func New(store storage.Store, codec token.Codec, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:  store,
		codec:  codec,
		Config: config,
		Logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer("server"),
		now:    time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables spans and metrics for grant operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// SetClock overrides the time source. The codec keeps its own clock.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the store the server was built with
func (s *Server) Store() storage.Store {
	return s.store
}

// generateRandomToken returns 32 random bytes, base64url encoded.
// oauth2.GenerateVerifier produces exactly that for PKCE verifiers.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

func newTokenID() string {
	return uuid.NewString()
}

// fail converts err to a protocol error and records it.
func (s *Server) fail(ctx context.Context, span trace.Span, endpoint string, err error) *Error {
	oerr := AsError(err)
	if oerr.Code == ErrorCodeServerError {
		s.Logger.ErrorContext(ctx, "Grant operation failed",
			"endpoint", endpoint,
			"error", oerr.Err)
	}
	instrumentation.RecordError(span, oerr)
	if s.metrics != nil {
		s.metrics.RecordGrantFailure(ctx, endpoint, oerr.Code)
	}
	return oerr
}

// truncateSeconds drops sub-second precision. expires_in and JWT NumericDates
// are whole seconds, so stored expiries must be too.
func truncateSeconds(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
