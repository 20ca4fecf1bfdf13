package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth2-server/server"
)

func TestWriteResponse_Redirect(t *testing.T) {
	target := "https://client.example.com/callback?code=abc&state=S"
	resp := &server.Response{Status: http.StatusFound, Header: make(http.Header)}
	resp.Header.Set("Location", target)
	resp.Header.Set("X-Trace", "1")

	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil), resp)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Values("Location"); len(got) != 1 || got[0] != target {
		t.Errorf("Location = %v, want exactly [%s]", got, target)
	}
	if rec.Header().Get("X-Trace") != "1" {
		t.Error("other response headers should be copied")
	}
	if resp.Header.Get("Location") != target {
		t.Error("WriteResponse must not modify the response it was given")
	}
}

func TestWriteResponse_JSONBody(t *testing.T) {
	resp := &server.Response{Status: http.StatusBadRequest, Header: make(http.Header), Body: map[string]string{"error": "invalid_request"}}

	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodPost, "/oauth/token", nil), resp)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_request" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWriteResponse_EmptyBody(t *testing.T) {
	resp := &server.Response{Status: http.StatusUnauthorized, Header: make(http.Header)}
	resp.Header.Set("WWW-Authenticate", `Bearer realm="service"`)

	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/api", nil), resp)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if rec.Header().Get("WWW-Authenticate") != `Bearer realm="service"` {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestNewRequest(t *testing.T) {
	t.Run("form post", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/oauth/token?from=query", strings.NewReader("grant_type=password&username=a+b"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		req, err := NewRequest(httptest.NewRecorder(), r)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if req.Body.Get("username") != "a b" {
			t.Errorf("Body username = %q", req.Body.Get("username"))
		}
		if req.Body.Get("from") != "" {
			t.Error("query parameters must not leak into the body")
		}
		if req.Query.Get("from") != "query" {
			t.Errorf("Query from = %q", req.Query.Get("from"))
		}
		if !req.IsForm() {
			t.Error("IsForm() = false")
		}
	})

	t.Run("json post has no body values", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(`{"grant_type":"password"}`))
		r.Header.Set("Content-Type", "application/json")

		req, err := NewRequest(httptest.NewRecorder(), r)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if req.Body != nil {
			t.Errorf("Body = %v, want nil", req.Body)
		}
	})

	t.Run("get", func(t *testing.T) {
		q := url.Values{"response_type": {"code"}, "client_id": {"abc"}}
		r := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)

		req, err := NewRequest(httptest.NewRecorder(), r)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if req.Param("client_id") != "abc" {
			t.Errorf("client_id = %q", req.Param("client_id"))
		}
		if req.Method != http.MethodGet {
			t.Errorf("Method = %q", req.Method)
		}
	})
}
