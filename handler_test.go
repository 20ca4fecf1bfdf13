package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/token"
)

const testIssuer = "https://auth.example.com"

type testEnv struct {
	h     *Handler
	srv   *server.Server
	store *memory.Store
	keys  *token.KeySet
}

func setupHandler(t *testing.T, config *server.Config) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	key, err := token.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("GenerateECDSAKey() error = %v", err)
	}
	keys, err := token.NewKeySet(key)
	if err != nil {
		t.Fatalf("NewKeySet() error = %v", err)
	}
	codec, err := token.NewJWTCodec(keys, token.JWTConfig{Issuer: testIssuer})
	if err != nil {
		t.Fatalf("NewJWTCodec() error = %v", err)
	}

	if config == nil {
		config = &server.Config{}
	}
	config.Issuer = testIssuer
	if config.SupportedScopes == nil {
		config.SupportedScopes = []string{"read", "write"}
	}
	srv, err := server.New(store, codec, config, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	ctx := context.Background()
	if err := store.SaveClient(ctx, testutil.NewConfidentialClient(t)); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := store.SaveUser(ctx, testutil.NewUser(t)); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	return &testEnv{h: NewHandler(srv, nil), srv: srv, store: store, keys: keys}
}

// issueCode runs the authorization step directly against the grant engine.
func issueCode(t *testing.T, env *testEnv, scope string) string {
	t.Helper()
	res, err := env.srv.Authorize(context.Background(), &server.Request{
		Method: http.MethodGet,
		Header: make(http.Header),
		Query: url.Values{
			"response_type": {"code"},
			"client_id":     {testutil.ClientID},
			"redirect_uri":  {testutil.RedirectURI},
			"scope":         {scope},
		},
		Principal: testutil.UserID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return res.Code
}

func codeExchangeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {storage.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"client_id":     {testutil.ClientID},
		"client_secret": {testutil.ClientSecret},
	}
}

func issueAccessToken(t *testing.T, env *testEnv, scope string) string {
	t.Helper()
	h := make(http.Header)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := env.srv.Token(context.Background(), &server.Request{
		Method: http.MethodPost,
		Header: h,
		Query:  url.Values{},
		Body:   codeExchangeForm(issueCode(t, env, scope)),
	}, nil)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return res.AccessToken
}

func newFormRequest(target string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, rec.Body.String())
	}
	return body
}

func staticPrincipal(userID string) PrincipalResolver {
	return func(*http.Request) (string, bool) { return userID, userID != "" }
}

var unreachable = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	panic("next handler must not be called")
})

func TestAuthenticate_MissingToken(t *testing.T) {
	env := setupHandler(t, nil)

	rec := httptest.NewRecorder()
	env.h.Authenticate(AuthenticateConfig{})(unreachable).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="service"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestAuthenticate_Success(t *testing.T) {
	env := setupHandler(t, nil)
	bearer := issueAccessToken(t, env, "read")

	var got *server.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("Authorization", "Bearer "+bearer)
	rec := httptest.NewRecorder()
	env.h.Authenticate(AuthenticateConfig{Scope: "read"})(next).ServeHTTP(rec, r)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got == nil || got.UserID != testutil.UserID || got.ClientID != testutil.ClientID {
		t.Errorf("principal = %+v", got)
	}
}

func TestAuthenticate_Errors(t *testing.T) {
	env := setupHandler(t, nil)
	bearer := issueAccessToken(t, env, "read")

	tests := []struct {
		name        string
		bearer      string
		scope       string
		wantStatus  int
		wantCode    string
		wantSummary string
	}{
		{
			name:        "garbage token",
			bearer:      "garbage",
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "invalid_token",
			wantSummary: `Bearer realm="service", error="invalid_token"`,
		},
		{
			name:        "missing scope",
			bearer:      bearer,
			scope:       "write",
			wantStatus:  http.StatusForbidden,
			wantCode:    "insufficient_scope",
			wantSummary: `Bearer realm="service", error="insufficient_scope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api", nil)
			r.Header.Set("Authorization", "Bearer "+tt.bearer)
			rec := httptest.NewRecorder()
			env.h.Authenticate(AuthenticateConfig{Scope: tt.scope})(unreachable).ServeHTTP(rec, r)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), tt.wantSummary) {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
			if body := decodeError(t, rec); body["error"] != tt.wantCode {
				t.Errorf("error = %q, want %q", body["error"], tt.wantCode)
			}
		})
	}
}

func TestAuthenticate_CustomErrorHandler(t *testing.T) {
	env := setupHandler(t, nil)

	var seen error
	cfg := AuthenticateConfig{
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			seen = err
			w.WriteHeader(http.StatusTeapot)
		},
	}

	rec := httptest.NewRecorder()
	env.h.Authenticate(cfg)(unreachable).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	var oerr *server.Error
	if !errors.As(seen, &oerr) || oerr.Code != server.ErrorCodeUnauthorizedRequest {
		t.Errorf("error handler got %v", seen)
	}
}

func authorizeURL(state string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {testutil.ClientID},
		"redirect_uri":  {testutil.RedirectURI},
		"scope":         {"read"},
		"state":         {state},
	}
	return AuthorizePath + "?" + q.Encode()
}

func TestAuthorize_Respond(t *testing.T) {
	env := setupHandler(t, nil)

	rec := httptest.NewRecorder()
	env.h.Authorize(AuthorizeConfig{Principal: staticPrincipal(testutil.UserID)})(nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL("S"), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %q)", rec.Code, rec.Body.String())
	}
	locations := rec.Header().Values("Location")
	if len(locations) != 1 {
		t.Fatalf("Location values = %v, want one", locations)
	}
	loc, err := url.Parse(locations[0])
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if !strings.HasPrefix(locations[0], testutil.RedirectURI) {
		t.Errorf("Location = %q", locations[0])
	}
	if loc.Query().Get("code") == "" || loc.Query().Get("state") != "S" {
		t.Errorf("Location query = %v", loc.Query())
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestAuthorize_UnknownClient(t *testing.T) {
	env := setupHandler(t, nil)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"nobody"},
		"redirect_uri":  {testutil.RedirectURI},
	}
	rec := httptest.NewRecorder()
	env.h.Authorize(AuthorizeConfig{Principal: staticPrincipal(testutil.UserID)})(nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+q.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "" {
		t.Errorf("WWW-Authenticate = %q, want none", got)
	}
	if rec.Header().Get("Location") != "" {
		t.Errorf("unknown client must not be redirected to %q", rec.Header().Get("Location"))
	}
	if body := decodeError(t, rec); body["error"] != "invalid_client" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAuthorize_WithoutPrincipal(t *testing.T) {
	env := setupHandler(t, nil)

	rec := httptest.NewRecorder()
	env.h.Authorize(AuthorizeConfig{})(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL("S"), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="service"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestAuthorize_Continue(t *testing.T) {
	env := setupHandler(t, nil)

	var result *server.AuthorizationResult
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, _ = AuthorizationResultFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	cfg := AuthorizeConfig{Mode: ModeContinue, Principal: staticPrincipal(testutil.UserID)}
	env.h.Authorize(cfg)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL("S"), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("continue mode must leave the response to next")
	}
	if result == nil || result.Code == "" || result.State != "S" {
		t.Fatalf("result = %+v", result)
	}
	if _, err := env.store.GetAuthorizationCode(context.Background(), result.Code); err != nil {
		t.Errorf("code not persisted: %v", err)
	}
}

func TestAuthorize_AfterAuthenticate(t *testing.T) {
	env := setupHandler(t, nil)
	bearer := issueAccessToken(t, env, "read")

	chain := env.h.Authenticate(AuthenticateConfig{})(env.h.Authorize(AuthorizeConfig{})(nil))

	r := httptest.NewRequest(http.MethodGet, authorizeURL("S"), nil)
	r.Header.Set("Authorization", "Bearer "+bearer)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, r)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %q)", rec.Code, rec.Body.String())
	}
}

func TestAuthorize_MethodNotAllowed(t *testing.T) {
	env := setupHandler(t, nil)

	rec := httptest.NewRecorder()
	env.h.Authorize(AuthorizeConfig{})(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, AuthorizePath, nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestToken_Respond(t *testing.T) {
	env := setupHandler(t, nil)
	code := issueCode(t, env, "read")

	rec := httptest.NewRecorder()
	env.h.Token(TokenConfig{})(nil).ServeHTTP(rec, newFormRequest(TokenPath, codeExchangeForm(code)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", body["token_type"])
	}
	if body["access_token"] == "" || body["refresh_token"] == "" {
		t.Errorf("tokens missing: %v", body)
	}
	if body["expires_in"] != float64(3600) {
		t.Errorf("expires_in = %v, want 3600", body["expires_in"])
	}
}

func TestToken_Continue(t *testing.T) {
	env := setupHandler(t, nil)
	code := issueCode(t, env, "read")

	var result *server.TokenResult
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, _ = TokenResultFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	env.h.Token(TokenConfig{Mode: ModeContinue})(next).ServeHTTP(rec, newFormRequest(TokenPath, codeExchangeForm(code)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if result == nil || result.AccessToken == "" || result.UserID != testutil.UserID {
		t.Errorf("result = %+v", result)
	}
}

func TestToken_Errors(t *testing.T) {
	env := setupHandler(t, nil)

	t.Run("get request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.h.Token(TokenConfig{})(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, TokenPath, nil))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if body := decodeError(t, rec); body["error"] != "invalid_request" {
			t.Errorf("error = %q", body["error"])
		}
	})

	t.Run("wrong client secret", func(t *testing.T) {
		form := codeExchangeForm(issueCode(t, env, ""))
		form.Set("client_secret", "wrong")

		rec := httptest.NewRecorder()
		env.h.Token(TokenConfig{})(nil).ServeHTTP(rec, newFormRequest(TokenPath, form))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Basic") {
			t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
		}
		if body := decodeError(t, rec); body["error"] != "invalid_client" {
			t.Errorf("error = %q", body["error"])
		}
	})

	t.Run("reused code", func(t *testing.T) {
		form := codeExchangeForm(issueCode(t, env, ""))
		handler := env.h.Token(TokenConfig{})(nil)

		first := httptest.NewRecorder()
		handler.ServeHTTP(first, newFormRequest(TokenPath, form))
		if first.Code != http.StatusOK {
			t.Fatalf("first exchange status = %d", first.Code)
		}

		second := httptest.NewRecorder()
		handler.ServeHTTP(second, newFormRequest(TokenPath, form))
		if second.Code != http.StatusBadRequest {
			t.Fatalf("second exchange status = %d, want 400", second.Code)
		}
		if body := decodeError(t, second); body["error"] != "invalid_grant" {
			t.Errorf("error = %q", body["error"])
		}
	})
}

func TestToken_RateLimit(t *testing.T) {
	env := setupHandler(t, nil)
	rl := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}, nil)
	t.Cleanup(rl.Stop)
	env.h.SetTokenRateLimiter(rl)

	handler := env.h.Token(TokenConfig{})(nil)
	form := url.Values{"grant_type": {storage.GrantTypeClientCredentials}}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newFormRequest(TokenPath, form))
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be rate limited")
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newFormRequest(TokenPath, form))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if body := decodeError(t, second); body["error"] != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWriteError_UnknownError(t *testing.T) {
	env := setupHandler(t, nil)

	rec := httptest.NewRecorder()
	env.h.WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("connection refused by db-7"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db-7") {
		t.Errorf("internal error leaked: %q", rec.Body.String())
	}
	if body := decodeError(t, rec); body["error"] != "server_error" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestMode_String(t *testing.T) {
	if ModeRespond.String() != "respond" || ModeContinue.String() != "continue" {
		t.Errorf("unexpected mode names %q, %q", ModeRespond, ModeContinue)
	}
}
