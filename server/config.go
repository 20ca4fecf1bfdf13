package server

import (
	"log/slog"
	"time"
)

// Default lifetimes
const (
	DefaultAuthorizationCodeTTL = 300 * time.Second
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 14 * 24 * time.Hour

	// DefaultRealm is the realm of Bearer challenges
	DefaultRealm = "service"
)

// Config holds grant engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 300s
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the default access token lifetime. Clients with a
	// per-client lifetime and per-call TokenOptions override it.
	// Default: 1h
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the default refresh token lifetime
	// Default: 14 days
	RefreshTokenTTL time.Duration

	// DisableRefreshTokenRotation keeps a refresh token valid after use.
	// WARNING: a leaked refresh token stays usable until it expires.
	// Default: false (rotation on)
	DisableRefreshTokenRotation bool

	// SupportedScopes lists the scopes the server knows.
	// If empty, all scopes are allowed
	SupportedScopes []string

	// AllowBearerTokensInQueryString accepts access_token as a query
	// parameter (RFC 6750 section 2.3).
	// WARNING: query strings end up in access logs and browser history.
	// Default: false
	AllowBearerTokensInQueryString bool

	// StatelessAuthentication skips the store lookup during Authenticate.
	// Tokens are then trusted on their signature alone and revocation has
	// no effect until they expire.
	// Default: false
	StatelessAuthentication bool

	// Realm is used in WWW-Authenticate challenges
	// Default: "service"
	Realm string

	// AllowInsecureHTTP permits a plain http issuer on a non-loopback host.
	// Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults fills unset fields and logs warnings for weakened settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.Realm == "" {
		config.Realm = DefaultRealm
	}

	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens remain usable until they expire",
			"recommendation", "Leave DisableRefreshTokenRotation=false",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-10.4")
	}

	if config.AllowBearerTokensInQueryString {
		logger.Warn("⚠️  SECURITY WARNING: Bearer tokens accepted in query strings",
			"risk", "Access tokens leak into server logs and referrer headers",
			"recommendation", "Send tokens in the Authorization header",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6750#section-5.3")
	}

	if config.StatelessAuthentication {
		logger.Warn("⚠️  SECURITY WARNING: Stateless authentication enabled",
			"risk", "Revoked access tokens are accepted until they expire",
			"recommendation", "Keep short access token lifetimes")
	}

	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("⚠️  SECURITY WARNING: Long authorization code lifetime",
			"ttl", config.AuthorizationCodeTTL,
			"recommendation", "Authorization codes should expire within 10 minutes",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2")
	}
}
