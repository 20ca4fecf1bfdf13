package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

func issueAccessToken(t *testing.T, env *testEnv, scope string, opts *TokenOptions) *TokenResult {
	t.Helper()
	result, err := env.srv.Token(context.Background(), tokenRequest(codeExchangeForm(issueCode(t, env, scope))), opts)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return result
}

func TestServer_Authenticate(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)
	issued := issueAccessToken(t, env, "read write", nil)

	principal, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), nil)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.UserID != testutil.UserID {
		t.Errorf("UserID = %q, want %q", principal.UserID, testutil.UserID)
	}
	if principal.ClientID != testutil.ClientID {
		t.Errorf("ClientID = %q, want %q", principal.ClientID, testutil.ClientID)
	}
	if principal.TokenID != issued.AccessTokenID {
		t.Errorf("TokenID = %q, want %q", principal.TokenID, issued.AccessTokenID)
	}
	if !principal.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", principal.ExpiresAt, issued.ExpiresAt)
	}
	if !principal.HasScope("write") || principal.HasScope("admin") {
		t.Errorf("HasScope() wrong for scope %q", principal.Scope)
	}
}

func TestServer_Authenticate_MissingToken(t *testing.T) {
	env := setupTestServer(t, nil)

	req := &Request{Method: http.MethodGet, Header: make(http.Header), Query: url.Values{}}
	_, err := env.srv.Authenticate(context.Background(), req, nil)
	oerr := requireErrorCode(t, err, ErrorCodeUnauthorizedRequest)
	if oerr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", oerr.Status)
	}
}

func TestServer_Authenticate_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)
	ttl := 10 * time.Minute
	issued := issueAccessToken(t, env, "", &TokenOptions{AccessTokenLifetime: ttl})

	if issued.ExpiresIn != int64(ttl/time.Second) {
		t.Fatalf("ExpiresIn = %d, want %d", issued.ExpiresIn, int64(ttl/time.Second))
	}

	env.clock.Advance(ttl - time.Second)
	if _, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), nil); err != nil {
		t.Fatalf("Authenticate() just before expiry error = %v", err)
	}

	env.clock.Advance(time.Second)
	_, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), nil)
	requireErrorCode(t, err, ErrorCodeInvalidToken)
	if !IsExpired(err) {
		t.Errorf("error %v should report expiry", err)
	}
	if !errors.Is(err, token.ErrTokenExpired) {
		t.Errorf("error %v should wrap token.ErrTokenExpired", err)
	}
}

func TestServer_Authenticate_WrongKey(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)

	// same claims, signed by a key the server does not know
	foreign := newTestCodec(t, "key-2", env.clock)
	forged, err := foreign.Issue(ctx, &storage.AccessToken{
		ID:        "forged-id",
		ClientID:  testutil.ClientID,
		UserID:    testutil.UserID,
		IssuedAt:  testEpoch,
		ExpiresAt: testEpoch.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = env.srv.Authenticate(ctx, bearerRequest(forged), nil)
	requireErrorCode(t, err, ErrorCodeInvalidToken)
	if IsExpired(err) {
		t.Error("a forged token is not an expired one")
	}

	_, err = env.srv.Authenticate(ctx, bearerRequest("not.a.jwt"), nil)
	requireErrorCode(t, err, ErrorCodeInvalidToken)
}

func TestServer_Authenticate_Revocation(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked token is rejected", func(t *testing.T) {
		env := setupTestServer(t, nil)
		issued := issueAccessToken(t, env, "", nil)

		if err := env.store.RevokeAccessToken(ctx, issued.AccessTokenID); err != nil {
			t.Fatalf("RevokeAccessToken() error = %v", err)
		}
		_, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), nil)
		requireErrorCode(t, err, ErrorCodeInvalidToken)
	})

	t.Run("stateless mode trusts the signature", func(t *testing.T) {
		env := setupTestServer(t, &Config{StatelessAuthentication: true})
		issued := issueAccessToken(t, env, "", nil)

		if err := env.store.RevokeAccessToken(ctx, issued.AccessTokenID); err != nil {
			t.Fatalf("RevokeAccessToken() error = %v", err)
		}
		if _, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), nil); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	})

	t.Run("signed token without stored record", func(t *testing.T) {
		env := setupTestServer(t, nil)
		bearer, err := env.codec.Issue(ctx, &storage.AccessToken{
			ID:        "never-persisted",
			ClientID:  testutil.ClientID,
			UserID:    testutil.UserID,
			ExpiresAt: testEpoch.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		_, err = env.srv.Authenticate(ctx, bearerRequest(bearer), nil)
		requireErrorCode(t, err, ErrorCodeInvalidToken)
	})
}

func TestServer_Authenticate_Scope(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)
	issued := issueAccessToken(t, env, "read", nil)

	if _, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), &AuthenticateOptions{Scope: "read"}); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	_, err := env.srv.Authenticate(ctx, bearerRequest(issued.AccessToken), &AuthenticateOptions{Scope: "read write"})
	oerr := requireErrorCode(t, err, ErrorCodeInsufficientScope)
	if oerr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", oerr.Status)
	}
	if oerr.Scope != "read write" {
		t.Errorf("challenge scope = %q, want %q", oerr.Scope, "read write")
	}
}

func TestServer_Authenticate_TokenLocations(t *testing.T) {
	ctx := context.Background()

	formRequest := func(bearer string) *Request {
		r := tokenRequest(url.Values{"access_token": {bearer}})
		return r
	}

	t.Run("form body", func(t *testing.T) {
		env := setupTestServer(t, nil)
		issued := issueAccessToken(t, env, "", nil)
		if _, err := env.srv.Authenticate(ctx, formRequest(issued.AccessToken), nil); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	})

	t.Run("header and body together", func(t *testing.T) {
		env := setupTestServer(t, nil)
		issued := issueAccessToken(t, env, "", nil)
		req := formRequest(issued.AccessToken)
		req.Header.Set("Authorization", "Bearer "+issued.AccessToken)

		_, err := env.srv.Authenticate(ctx, req, nil)
		requireErrorCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("query string ignored by default", func(t *testing.T) {
		env := setupTestServer(t, nil)
		issued := issueAccessToken(t, env, "", nil)
		req := &Request{Method: http.MethodGet, Header: make(http.Header), Query: url.Values{"access_token": {issued.AccessToken}}}

		_, err := env.srv.Authenticate(ctx, req, nil)
		requireErrorCode(t, err, ErrorCodeUnauthorizedRequest)
	})

	t.Run("query string when enabled", func(t *testing.T) {
		env := setupTestServer(t, &Config{AllowBearerTokensInQueryString: true})
		issued := issueAccessToken(t, env, "", nil)
		req := &Request{Method: http.MethodGet, Header: make(http.Header), Query: url.Values{"access_token": {issued.AccessToken}}}

		if _, err := env.srv.Authenticate(ctx, req, nil); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	})
}
