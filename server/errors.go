package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/token"
)

// OAuth error codes
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnauthorizedRequest     = "unauthorized_request"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
)

// Error is an OAuth protocol error. Err holds the internal cause, which is
// never sent to the client.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error

	// Scope lists the scopes an insufficient_scope challenge asks for.
	Scope string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Response maps the error onto a protocol response.
//
// unauthorized_request answers with a bare Bearer challenge and no body.
// invalid_token and insufficient_scope carry the error in the challenge as
// well as in the JSON body (RFC 6750 section 3). Everything else is a JSON
// {error, error_description} document.
func (e *Error) Response(realm string) *Response {
	resp := newResponse(e.Status)
	switch e.Code {
	case ErrorCodeUnauthorizedRequest:
		resp.Header.Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", realm))
		return resp
	case ErrorCodeInvalidToken, ErrorCodeInsufficientScope:
		params := []string{
			fmt.Sprintf("realm=%q", realm),
			fmt.Sprintf("error=%q", e.Code),
		}
		if e.Description != "" {
			params = append(params, fmt.Sprintf("error_description=%q", e.Description))
		}
		if e.Scope != "" {
			params = append(params, fmt.Sprintf("scope=%q", e.Scope))
		}
		resp.Header.Set("WWW-Authenticate", "Bearer "+strings.Join(params, ", "))
	case ErrorCodeInvalidClient:
		// only token endpoint failures are 401; they challenge for Basic
		if e.Status == http.StatusUnauthorized {
			resp.Header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
		}
	}
	resp.Header.Set("Content-Type", "application/json")
	security.SetNoStore(resp.Header)
	resp.Body = errorBody{Error: e.Code, ErrorDescription: e.Description}
	return resp
}

func newError(code, desc string, status int) *Error {
	return &Error{Code: code, Description: desc, Status: status}
}

// ErrInvalidRequest indicates a missing or malformed parameter
func ErrInvalidRequest(desc string) *Error {
	return newError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates an unknown client or a failed secret comparison
func ErrInvalidClient(desc string) *Error {
	return newError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates an invalid, expired or reused code or refresh token
func ErrInvalidGrant(desc string) *Error {
	return newError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates a grant type unknown to the server or
// not enabled for the client
func ErrUnsupportedGrantType(desc string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrUnsupportedResponseType indicates a response_type other than code
func ErrUnsupportedResponseType(desc string) *Error {
	return newError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
}

// ErrUnauthorizedClient indicates the client may not use the authorization endpoint
func ErrUnauthorizedClient(desc string) *Error {
	return newError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

// ErrUnauthorizedRequest indicates a missing bearer token or an authorize
// attempt without an authenticated principal
func ErrUnauthorizedRequest(desc string) *Error {
	return newError(ErrorCodeUnauthorizedRequest, desc, http.StatusUnauthorized)
}

// ErrInvalidToken indicates a bearer token that failed to decode or was revoked
func ErrInvalidToken(desc string) *Error {
	return newError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrTokenExpired indicates a bearer token past its expiry. On the wire it
// is an invalid_token error.
func ErrTokenExpired(err error) *Error {
	if err == nil {
		err = token.ErrTokenExpired
	}
	e := newError(ErrorCodeInvalidToken, "token expired", http.StatusUnauthorized)
	e.Err = err
	return e
}

// ErrInvalidScope indicates a requested scope the client may not have
func ErrInvalidScope(desc string) *Error {
	return newError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrInsufficientScope indicates a token lacking a scope the resource requires
func ErrInsufficientScope(desc, required string) *Error {
	e := newError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	e.Scope = required
	return e
}

// ErrServerError wraps an internal failure. The cause stays out of the response.
func ErrServerError(err error) *Error {
	e := newError(ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
	e.Err = err
	return e
}

// AsError returns err as an *Error. Errors that are not protocol errors
// become server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return ErrServerError(err)
}

// IsExpired reports whether err is an expired-token error.
func IsExpired(err error) bool {
	return errors.Is(err, token.ErrTokenExpired)
}
