package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// ResponseTypeCode is the only response type the authorization endpoint issues
const ResponseTypeCode = "code"

// AuthorizationResult is an issued authorization code and where to send it.
type AuthorizationResult struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string
	State       string
	ExpiresAt   time.Time

	// RedirectURL is RedirectURI with code and state added to its query.
	RedirectURL string
}

// Response returns the 302 redirect delivering the code to the client.
func (r *AuthorizationResult) Response() *Response {
	resp := newResponse(http.StatusFound)
	resp.Header.Set("Location", r.RedirectURL)
	return resp
}

// Authorize issues an authorization code for the authenticated principal of
// req. Without a principal it fails with unauthorized_request before touching
// the store.
func (s *Server) Authorize(ctx context.Context, req *Request) (*AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()

	result, err := s.authorize(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, span, "authorize", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, result.ClientID, result.UserID, result.Scope)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) authorize(ctx context.Context, req *Request) (*AuthorizationResult, error) {
	if req == nil || req.Principal == "" {
		s.Logger.DebugContext(ctx, "Authorization request without authenticated principal")
		return nil, ErrUnauthorizedRequest("authentication required")
	}

	responseType := req.Param("response_type")
	switch responseType {
	case "":
		return nil, ErrInvalidRequest("missing parameter: response_type")
	case ResponseTypeCode:
	default:
		return nil, ErrUnsupportedResponseType("response_type must be code")
	}

	clientID := req.Param("client_id")
	if clientID == "" {
		return nil, ErrInvalidRequest("missing parameter: client_id")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Auditor.LogInvalidClient(ctx, clientID, req.ClientIP, "unknown_client")
			return nil, errUnknownClient()
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if !client.AllowsGrant(storage.GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the authorization code grant")
	}

	redirectURI, err := resolveRedirectURI(client, req.Param("redirect_uri"))
	if err != nil {
		s.Logger.DebugContext(ctx, "Authorization request rejected",
			"reason", err.Error(),
			"client_id", clientID)
		s.Auditor.LogEvent(ctx, securityEvent(security.EventInvalidRedirect, req, clientID))
		return nil, ErrInvalidRequest(err.Error())
	}

	scope := util.JoinScope(util.ParseScope(req.Param("scope")))
	if err := s.validateScope(client, scope); err != nil {
		s.Auditor.LogEvent(ctx, securityEvent(security.EventScopeEscalationAttempt, req, clientID))
		return nil, ErrInvalidScope(err.Error())
	}

	now := truncateSeconds(s.now())
	code := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		ClientID:    client.ClientID,
		UserID:      req.Principal,
		RedirectURI: redirectURI,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.AuthorizationCodeTTL),
	}

	redirectURL, err := buildRedirectURL(redirectURI, code.Code, req.Param("state"))
	if err != nil {
		return nil, ErrInvalidRequest("malformed redirect_uri")
	}

	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Logger.DebugContext(ctx, "Issued authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenLogLength),
		"expires_at", code.ExpiresAt)
	s.Auditor.LogCodeIssued(ctx, code.UserID, code.ClientID, req.ClientIP, code.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, code.ClientID)
	}

	return &AuthorizationResult{
		Code:        code.Code,
		ClientID:    code.ClientID,
		UserID:      code.UserID,
		RedirectURI: code.RedirectURI,
		Scope:       code.Scope,
		State:       req.Param("state"),
		ExpiresAt:   code.ExpiresAt,
		RedirectURL: redirectURL,
	}, nil
}

// buildRedirectURL appends code and state to redirectURI, keeping its query.
func buildRedirectURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errUnknownClient is invalid_client at the authorization endpoint. No
// client credentials are involved, so it is a 400 without a challenge.
func errUnknownClient() *Error {
	return newError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest)
}

func securityEvent(eventType string, req *Request, clientID string) security.Event {
	return security.Event{
		Type:      eventType,
		UserID:    req.Principal,
		ClientID:  clientID,
		IPAddress: req.ClientIP,
	}
}
