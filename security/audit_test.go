package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{"enabled with logger", slog.Default(), true},
		{"disabled with logger", slog.Default(), false},
		{"enabled with nil logger", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{"enabled", true, true},
		{"disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			auditor := NewAuditor(logger, tt.enabled)

			auditor.LogEvent(context.Background(), Event{
				Type:      "test_event",
				UserID:    "user-123",
				ClientID:  "client-456",
				IPAddress: "192.168.1.1",
			})

			if got := buf.Len() > 0; got != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", got, tt.wantLog)
			}
		})
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenIssued(context.Background(), "user-123", "client-456", "10.0.0.1", "authorization_code", "read")

	out := buf.String()
	if strings.Contains(out, "user-123") {
		t.Errorf("raw user id leaked into audit log: %s", out)
	}
	if !strings.Contains(out, "user_id_hash="+hashForLogging("user-123")) {
		t.Errorf("hashed user id missing from audit log: %s", out)
	}
	if !strings.Contains(out, "event_type="+EventTokenIssued) {
		t.Errorf("event type missing from audit log: %s", out)
	}
}

func TestAuditor_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	var ctx context.Context
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	auditor.LogCodeReuse(ctx, "user-1", "client-1", "10.0.0.1")

	if !strings.Contains(buf.String(), "request_id=") {
		t.Errorf("request id missing from audit log: %s", buf.String())
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogAuthFailure(context.Background(), "", "client", "10.0.0.1", "bad secret")
	auditor.LogInvalidClient(context.Background(), "client", "10.0.0.1", "unknown_client")
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h := hashForLogging("sensitive")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != hashForLogging("sensitive") {
		t.Error("hash is not deterministic")
	}
}
