package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/giantswarm/oauth2-server/token"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"unsupported response type", ErrUnsupportedResponseType("x"), ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"unauthorized client", ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unauthorized request", ErrUnauthorizedRequest("x"), ErrorCodeUnauthorizedRequest, http.StatusUnauthorized},
		{"invalid token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"token expired", ErrTokenExpired(nil), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"invalid scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"insufficient scope", ErrInsufficientScope("x", "read"), ErrorCodeInsufficientScope, http.StatusForbidden},
		{"server error", ErrServerError(errors.New("boom")), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}

func TestError_Response(t *testing.T) {
	t.Run("unauthorized request has a challenge and no body", func(t *testing.T) {
		resp := ErrUnauthorizedRequest("authentication required").Response("service")
		if resp.Status != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", resp.Status)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="service"` {
			t.Errorf("WWW-Authenticate = %q", got)
		}
		if resp.Body != nil {
			t.Errorf("Body = %v, want nil", resp.Body)
		}
	})

	t.Run("invalid token carries error in challenge and body", func(t *testing.T) {
		resp := ErrInvalidToken("invalid access token").Response("service")
		challenge := resp.Header.Get("WWW-Authenticate")
		if !strings.HasPrefix(challenge, `Bearer realm="service", error="invalid_token"`) {
			t.Errorf("WWW-Authenticate = %q", challenge)
		}
		body, ok := resp.Body.(errorBody)
		if !ok || body.Error != ErrorCodeInvalidToken {
			t.Errorf("Body = %#v", resp.Body)
		}
	})

	t.Run("insufficient scope names the scope", func(t *testing.T) {
		resp := ErrInsufficientScope("token lacks a required scope", "admin").Response("api")
		if !strings.Contains(resp.Header.Get("WWW-Authenticate"), `scope="admin"`) {
			t.Errorf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
		}
		if resp.Status != http.StatusForbidden {
			t.Errorf("Status = %d, want 403", resp.Status)
		}
	})

	t.Run("invalid grant is plain JSON", func(t *testing.T) {
		resp := ErrInvalidGrant("invalid grant").Response("service")
		if resp.Header.Get("WWW-Authenticate") != "" {
			t.Errorf("unexpected challenge %q", resp.Header.Get("WWW-Authenticate"))
		}
		if resp.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
		}
		body := resp.Body.(errorBody)
		if body.Error != "invalid_grant" || body.ErrorDescription != "invalid grant" {
			t.Errorf("Body = %#v", body)
		}
	})

	t.Run("invalid client challenges only when unauthorized", func(t *testing.T) {
		resp := ErrInvalidClient("client authentication failed").Response("service")
		if got := resp.Header.Get("WWW-Authenticate"); got != `Basic realm="service"` {
			t.Errorf("WWW-Authenticate = %q", got)
		}

		resp = errUnknownClient().Response("service")
		if resp.Status != http.StatusBadRequest {
			t.Errorf("Status = %d, want 400", resp.Status)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got != "" {
			t.Errorf("unexpected challenge %q", got)
		}
		if body := resp.Body.(errorBody); body.Error != ErrorCodeInvalidClient {
			t.Errorf("Body = %#v", body)
		}
	})

	t.Run("server error hides the cause", func(t *testing.T) {
		resp := ErrServerError(errors.New("password=hunter2")).Response("service")
		body := resp.Body.(errorBody)
		if strings.Contains(body.ErrorDescription, "hunter2") {
			t.Errorf("cause leaked into response: %q", body.ErrorDescription)
		}
	})
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	wrapped := fmt.Errorf("outer: %w", ErrInvalidGrant("invalid grant"))
	if got := AsError(wrapped); got.Code != ErrorCodeInvalidGrant {
		t.Errorf("AsError(wrapped) code = %q", got.Code)
	}

	cause := errors.New("disk full")
	got := AsError(cause)
	if got.Code != ErrorCodeServerError || !errors.Is(got, cause) {
		t.Errorf("AsError(plain) = %v", got)
	}
}

func TestErrTokenExpired_Wraps(t *testing.T) {
	err := ErrTokenExpired(nil)
	if !errors.Is(err, token.ErrTokenExpired) {
		t.Error("ErrTokenExpired should wrap token.ErrTokenExpired")
	}
	if !IsExpired(err) {
		t.Error("IsExpired() = false")
	}
	if IsExpired(ErrInvalidToken("x")) {
		t.Error("IsExpired() = true for a non-expiry error")
	}
}
