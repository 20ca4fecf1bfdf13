package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// AuthenticateOptions constrain a single authentication.
type AuthenticateOptions struct {
	// Scope lists scopes, space separated, the token must carry.
	Scope string
}

// Principal is the identity behind an authenticated bearer token.
// UserID is empty for client_credentials tokens.
type Principal struct {
	UserID    string
	ClientID  string
	Scope     string
	TokenID   string
	ExpiresAt time.Time
}

// HasScope reports whether the principal's token carries scope.
func (p *Principal) HasScope(scope string) bool {
	return util.ScopeSubset([]string{scope}, util.ParseScope(p.Scope))
}

// Authenticate validates the bearer token of req and returns its principal.
func (s *Server) Authenticate(ctx context.Context, req *Request, opts *AuthenticateOptions) (*Principal, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authenticate")
	defer span.End()

	principal, err := s.authenticate(ctx, req, opts)
	if err != nil {
		oerr := AsError(err)
		if oerr.Code == ErrorCodeServerError {
			s.Logger.ErrorContext(ctx, "Authentication failed", "error", oerr.Err)
		}
		instrumentation.RecordError(span, oerr)
		if s.metrics != nil {
			s.metrics.RecordAuthentication(ctx, oerr.Code)
		}
		return nil, oerr
	}

	instrumentation.AddOAuthFlowAttributes(span, principal.ClientID, principal.UserID, principal.Scope)
	instrumentation.SetSpanSuccess(span)
	if s.metrics != nil {
		s.metrics.RecordAuthentication(ctx, "success")
	}
	return principal, nil
}

func (s *Server) authenticate(ctx context.Context, req *Request, opts *AuthenticateOptions) (*Principal, error) {
	if req == nil {
		return nil, ErrUnauthorizedRequest("authentication required")
	}
	bearer, err := s.bearerToken(req)
	if err != nil {
		return nil, err
	}

	claims, err := s.codec.Decode(ctx, bearer)
	if err != nil {
		s.Logger.DebugContext(ctx, "Bearer token rejected",
			"reason", err.Error(),
			"token_prefix", util.SafeTruncate(bearer, tokenLogLength))
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, ErrTokenExpired(err)
		}
		e := ErrInvalidToken("invalid access token")
		e.Err = err
		return nil, e
	}

	principal := &Principal{
		UserID:    claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}

	if !s.Config.StatelessAuthentication {
		if err := s.checkRevocation(ctx, principal); err != nil {
			return nil, err
		}
	}

	if opts != nil && opts.Scope != "" {
		required := util.ParseScope(opts.Scope)
		if missing := util.MissingScopes(required, util.ParseScope(principal.Scope)); len(missing) > 0 {
			return nil, ErrInsufficientScope("token lacks a required scope", util.JoinScope(required))
		}
	}

	return principal, nil
}

// checkRevocation requires the token's record to still exist and to agree
// with the signed claims.
func (s *Server) checkRevocation(ctx context.Context, p *Principal) error {
	record, err := s.store.GetAccessToken(ctx, p.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.DebugContext(ctx, "Bearer token has no stored record",
				"token_id_prefix", util.SafeTruncate(p.TokenID, tokenLogLength))
			return ErrInvalidToken("access token revoked")
		}
		return fmt.Errorf("failed to load access token: %w", err)
	}
	if record.ClientID != p.ClientID || record.UserID != p.UserID {
		s.Logger.WarnContext(ctx, "Bearer token claims do not match stored record",
			"client_id", p.ClientID,
			"token_id_prefix", util.SafeTruncate(p.TokenID, tokenLogLength))
		return ErrInvalidToken("invalid access token")
	}
	if record.IsExpired(s.now()) {
		return ErrTokenExpired(nil)
	}
	return nil
}

// bearerToken finds the access token of req (RFC 6750 section 2). Exactly
// one transmission method may be used.
func (s *Server) bearerToken(req *Request) (string, error) {
	var found []string

	if tok, ok := req.bearerFromHeader(); ok {
		found = append(found, tok)
	}
	if req.Method == http.MethodPost && req.IsForm() {
		if tok := req.Body.Get("access_token"); tok != "" {
			found = append(found, tok)
		}
	}
	if s.Config.AllowBearerTokensInQueryString {
		if tok := req.Query.Get("access_token"); tok != "" {
			found = append(found, tok)
		}
	}

	switch len(found) {
	case 0:
		return "", ErrUnauthorizedRequest("authentication required")
	case 1:
		return found[0], nil
	default:
		return "", ErrInvalidRequest("bearer token sent with more than one method")
	}
}
