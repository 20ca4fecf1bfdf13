package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets hardening headers for OAuth endpoint responses.
// HSTS is only added when issuer is an https URL.
func SetSecurityHeaders(h http.Header, issuer string) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as non-cacheable (RFC 6749 section 5.1).
func SetNoStore(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
