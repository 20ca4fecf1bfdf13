package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "Bearer"

// TokenOptions override token lifetimes for a single exchange.
// Zero values fall back to the client's lifetimes, then to Config.
type TokenOptions struct {
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
}

// TokenResult is the outcome of a successful token request.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string

	GrantType     string
	ClientID      string
	UserID        string
	AccessTokenID string
	ExpiresAt     time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Response returns the RFC 6749 section 5.1 success response.
func (r *TokenResult) Response() *Response {
	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "application/json")
	security.SetNoStore(resp.Header)
	resp.Body = tokenResponse{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		ExpiresIn:    r.ExpiresIn,
		RefreshToken: r.RefreshToken,
		Scope:        r.Scope,
	}
	return resp
}

type lifetimes struct {
	access  time.Duration
	refresh time.Duration
}

// lifetimesFor resolves token lifetimes: options, then client, then config.
func (s *Server) lifetimesFor(client *storage.Client, opts *TokenOptions) lifetimes {
	lt := lifetimes{access: s.Config.AccessTokenTTL, refresh: s.Config.RefreshTokenTTL}
	if client.AccessTokenTTL > 0 {
		lt.access = client.AccessTokenTTL
	}
	if client.RefreshTokenTTL > 0 {
		lt.refresh = client.RefreshTokenTTL
	}
	if opts != nil {
		if opts.AccessTokenLifetime > 0 {
			lt.access = opts.AccessTokenLifetime
		}
		if opts.RefreshTokenLifetime > 0 {
			lt.refresh = opts.RefreshTokenLifetime
		}
	}
	return lt
}

// Token runs a token request. Nothing is persisted unless the whole
// exchange succeeds.
func (s *Server) Token(ctx context.Context, req *Request, opts *TokenOptions) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()

	result, err := s.token(ctx, req, opts)
	if err != nil {
		return nil, s.fail(ctx, span, "token", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, result.GrantType))
	instrumentation.AddOAuthFlowAttributes(span, result.ClientID, result.UserID, result.Scope)
	instrumentation.SetSpanSuccess(span)

	s.Auditor.LogTokenIssued(ctx, result.UserID, result.ClientID, req.ClientIP, result.GrantType, result.Scope)
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, result.ClientID, result.GrantType)
	}
	return result, nil
}

func (s *Server) token(ctx context.Context, req *Request, opts *TokenOptions) (*TokenResult, error) {
	if req == nil || req.Method != http.MethodPost {
		return nil, ErrInvalidRequest("token requests must use POST")
	}
	if !req.IsForm() {
		return nil, ErrInvalidRequest("request body must be application/x-www-form-urlencoded")
	}

	grantType := req.Body.Get("grant_type")
	switch grantType {
	case "":
		return nil, ErrInvalidRequest("missing parameter: grant_type")
	case storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
		storage.GrantTypeClientCredentials,
		storage.GrantTypePassword:
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant type")
	}

	client, err := s.authenticateClient(ctx, req, grantType)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(grantType) {
		s.Logger.DebugContext(ctx, "Grant type not enabled for client",
			"client_id", client.ClientID,
			"grant_type", grantType)
		return nil, ErrUnsupportedGrantType("grant type not enabled for this client")
	}

	lt := s.lifetimesFor(client, opts)

	var result *TokenResult
	switch grantType {
	case storage.GrantTypeAuthorizationCode:
		result, err = s.exchangeAuthorizationCode(ctx, req, client, lt)
	case storage.GrantTypeRefreshToken:
		result, err = s.refreshAccessToken(ctx, req, client, lt)
	case storage.GrantTypeClientCredentials:
		result, err = s.clientCredentials(ctx, req, client, lt)
	case storage.GrantTypePassword:
		result, err = s.passwordGrant(ctx, req, client, lt)
	}
	if err != nil {
		return nil, err
	}
	result.GrantType = grantType
	return result, nil
}

// authenticateClient resolves the calling client from HTTP Basic or body
// credentials. Public clients may omit the secret except for
// client_credentials, which only confidential clients can use.
func (s *Server) authenticateClient(ctx context.Context, req *Request, grantType string) (*storage.Client, error) {
	clientID, secret, hasBasic := req.BasicAuth()
	bodyID := req.Body.Get("client_id")
	if hasBasic {
		if bodyID != "" && bodyID != clientID {
			return nil, ErrInvalidRequest("client_id does not match the authorization header")
		}
		if req.Body.Get("client_secret") != "" {
			return nil, ErrInvalidRequest("multiple client authentication methods used")
		}
	} else {
		clientID, secret = bodyID, req.Body.Get("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		// equalizes timing with the known-client path
		_ = s.store.ValidateClientSecret(ctx, clientID, secret)
		s.Auditor.LogInvalidClient(ctx, clientID, req.ClientIP, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsPublic() && secret == "" && grantType != storage.GrantTypeClientCredentials {
		return client, nil
	}

	if err := s.store.ValidateClientSecret(ctx, clientID, secret); err != nil {
		if !errors.Is(err, storage.ErrInvalidCredentials) {
			return nil, fmt.Errorf("failed to validate client secret: %w", err)
		}
		s.Logger.DebugContext(ctx, "Client authentication failed", "client_id", clientID)
		s.Auditor.LogInvalidClient(ctx, clientID, req.ClientIP, "invalid_client_secret")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *Request, client *storage.Client, lt lifetimes) (*TokenResult, error) {
	code := req.Body.Get("code")
	if code == "" {
		return nil, ErrInvalidRequest("missing parameter: code")
	}

	authCode, err := s.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, s.invalidGrant(ctx, req, client.ClientID, "code_not_found", code)
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	redirectURI := req.Body.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}

	switch {
	case authCode.Consumed:
		s.codeReuse(ctx, req, authCode)
		return nil, s.invalidGrant(ctx, req, client.ClientID, "code_already_used", code)
	case authCode.IsExpired(s.now()):
		return nil, s.invalidGrant(ctx, req, client.ClientID, "code_expired", code)
	case authCode.ClientID != client.ClientID:
		return nil, s.invalidGrant(ctx, req, client.ClientID, "client_id_mismatch", code)
	case authCode.RedirectURI != redirectURI:
		return nil, s.invalidGrant(ctx, req, client.ClientID, "redirect_uri_mismatch", code)
	}

	issued, err := s.issueTokens(ctx, client, authCode.UserID, authCode.Scope, lt,
		client.AllowsGrant(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}

	if err := s.store.ExchangeAuthorizationCode(ctx, code, issued.access, issued.refresh); err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) || errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			// another request redeemed the code between the read and the exchange
			s.codeReuse(ctx, req, authCode)
			return nil, s.invalidGrant(ctx, req, client.ClientID, "code_already_used", code)
		}
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	s.Logger.DebugContext(ctx, "Exchanged authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code, tokenLogLength))
	return issued.result(), nil
}

func (s *Server) refreshAccessToken(ctx context.Context, req *Request, client *storage.Client, lt lifetimes) (*TokenResult, error) {
	refreshToken := req.Body.Get("refresh_token")
	if refreshToken == "" {
		return nil, ErrInvalidRequest("missing parameter: refresh_token")
	}

	record, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.invalidGrant(ctx, req, client.ClientID, "refresh_token_not_found", refreshToken)
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	switch {
	case record.IsExpired(s.now()):
		return nil, s.invalidGrant(ctx, req, client.ClientID, "refresh_token_expired", refreshToken)
	case record.ClientID != client.ClientID:
		return nil, s.invalidGrant(ctx, req, client.ClientID, "client_id_mismatch", refreshToken)
	}

	scope := record.Scope
	if requested := util.ParseScope(req.Body.Get("scope")); len(requested) > 0 {
		if !util.ScopeSubset(requested, util.ParseScope(record.Scope)) {
			s.Auditor.LogEvent(ctx, securityEvent(security.EventScopeEscalationAttempt, req, client.ClientID))
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		scope = util.JoinScope(requested)
	}

	rotate := !s.Config.DisableRefreshTokenRotation
	issued, err := s.issueTokens(ctx, client, record.UserID, scope, lt, rotate)
	if err != nil {
		return nil, err
	}
	if issued.refresh != nil {
		// a narrowed request limits this access token only (RFC 6749 section 6)
		issued.refresh.Scope = record.Scope
	}

	if rotate {
		err = s.store.RotateRefreshToken(ctx, refreshToken, issued.access, issued.refresh)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.invalidGrant(ctx, req, client.ClientID, "refresh_token_already_rotated", refreshToken)
		}
	} else {
		err = s.store.SaveTokens(ctx, issued.access, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	result := issued.result()
	if !rotate {
		result.RefreshToken = refreshToken
	}

	s.Logger.DebugContext(ctx, "Refreshed access token",
		"client_id", client.ClientID,
		"rotated", rotate,
		"token_prefix", util.SafeTruncate(refreshToken, tokenLogLength))
	s.Auditor.LogTokenRefreshed(ctx, record.UserID, client.ClientID, req.ClientIP, rotate)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, rotate)
	}
	return result, nil
}

func (s *Server) clientCredentials(ctx context.Context, req *Request, client *storage.Client, lt lifetimes) (*TokenResult, error) {
	if client.IsPublic() {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	scope := util.JoinScope(util.ParseScope(req.Body.Get("scope")))
	if err := s.validateScope(client, scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	issued, err := s.issueTokens(ctx, client, "", scope, lt, false)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTokens(ctx, issued.access, nil); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	return issued.result(), nil
}

func (s *Server) passwordGrant(ctx context.Context, req *Request, client *storage.Client, lt lifetimes) (*TokenResult, error) {
	username := req.Body.Get("username")
	password := req.Body.Get("password")
	if username == "" || password == "" {
		return nil, ErrInvalidRequest("missing parameter: username and password are required")
	}

	scope := util.JoinScope(util.ParseScope(req.Body.Get("scope")))
	if err := s.validateScope(client, scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	user, err := s.store.ValidateUserCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			s.Auditor.LogAuthFailure(ctx, "", client.ClientID, req.ClientIP, "invalid_user_credentials")
			return nil, ErrInvalidGrant("invalid resource owner credentials")
		}
		return nil, fmt.Errorf("failed to validate user credentials: %w", err)
	}

	issued, err := s.issueTokens(ctx, client, user.ID, scope, lt,
		client.AllowsGrant(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTokens(ctx, issued.access, issued.refresh); err != nil {
		return nil, fmt.Errorf("failed to persist tokens: %w", err)
	}
	return issued.result(), nil
}

// issuedTokens are records built and encoded but not yet persisted.
type issuedTokens struct {
	bearer  string
	access  *storage.AccessToken
	refresh *storage.RefreshToken
}

func (t *issuedTokens) result() *TokenResult {
	r := &TokenResult{
		AccessToken:   t.bearer,
		TokenType:     TokenTypeBearer,
		ExpiresIn:     int64(t.access.ExpiresAt.Sub(t.access.IssuedAt) / time.Second),
		Scope:         t.access.Scope,
		ClientID:      t.access.ClientID,
		UserID:        t.access.UserID,
		AccessTokenID: t.access.ID,
		ExpiresAt:     t.access.ExpiresAt,
	}
	if t.refresh != nil {
		r.RefreshToken = t.refresh.Token
	}
	return r
}

// issueTokens builds the records of a new token pair and encodes the access
// token. Encoding happens before anything is persisted.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID, scope string, lt lifetimes, withRefresh bool) (*issuedTokens, error) {
	now := truncateSeconds(s.now())
	access := &storage.AccessToken{
		ID:        newTokenID(),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(lt.access),
	}

	bearer, err := s.codec.Issue(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}

	issued := &issuedTokens{bearer: bearer, access: access}
	if withRefresh {
		issued.refresh = &storage.RefreshToken{
			Token:         generateRandomToken(),
			AccessTokenID: access.ID,
			ClientID:      client.ClientID,
			UserID:        userID,
			Scope:         scope,
			IssuedAt:      now,
			ExpiresAt:     now.Add(lt.refresh),
		}
	}
	return issued, nil
}

// invalidGrant logs the internal reason and returns a generic invalid_grant
// error so callers cannot probe why a credential was refused.
func (s *Server) invalidGrant(ctx context.Context, req *Request, clientID, reason, credential string) *Error {
	s.Logger.DebugContext(ctx, "Grant validation failed",
		"reason", reason,
		"client_id", clientID,
		"credential_prefix", util.SafeTruncate(credential, tokenLogLength))
	s.Auditor.LogAuthFailure(ctx, "", clientID, req.ClientIP, reason)
	return ErrInvalidGrant("invalid grant")
}

func (s *Server) codeReuse(ctx context.Context, req *Request, code *storage.AuthorizationCode) {
	s.Logger.WarnContext(ctx, "Authorization code reuse detected",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenLogLength))
	s.Auditor.LogCodeReuse(ctx, code.UserID, code.ClientID, req.ClientIP)
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
}
