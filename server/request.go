package server

import (
	"encoding/base64"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const contentTypeForm = "application/x-www-form-urlencoded"

// Request is a protocol-neutral view of an inbound OAuth request.
type Request struct {
	Method string
	Header http.Header
	Query  url.Values
	// Body holds form parameters of a form-encoded POST and is nil otherwise.
	Body url.Values

	// Principal is the id of the already authenticated user, if any.
	// Authorize refuses to run without one.
	Principal string

	// ClientIP is only used for audit records.
	ClientIP string
}

// Param returns a parameter from the body, falling back to the query string.
func (r *Request) Param(name string) string {
	if v := r.Body.Get(name); v != "" {
		return v
	}
	return r.Query.Get(name)
}

// IsForm reports whether the request carries a form-encoded body.
func (r *Request) IsForm() bool {
	if r.Body == nil {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == contentTypeForm
}

// BasicAuth returns the client credentials of an HTTP Basic Authorization
// header. Both parts are form-decoded as RFC 6749 section 2.3.1 requires.
func (r *Request) BasicAuth() (clientID, clientSecret string, ok bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	id, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	if id, err = url.QueryUnescape(id); err != nil {
		return "", "", false
	}
	if secret, err = url.QueryUnescape(secret); err != nil {
		return "", "", false
	}
	return id, secret, true
}

// bearerFromHeader extracts the token of an "Authorization: Bearer" header.
func (r *Request) bearerFromHeader() (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(auth[len(prefix):])
	return tok, tok != ""
}

// Response is a protocol-neutral response. Body is JSON-encoded by the
// transport; a nil Body means an empty response body.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

func newResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}
