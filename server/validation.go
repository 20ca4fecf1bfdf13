package server

import (
	"fmt"
	"net"
	"net/url"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	rfc6749SecurityURL = "https://datatracker.ietf.org/doc/html/rfc6749#section-10"
)

// validateHTTPSEnforcement ensures the issuer is served over HTTPS.
//
//   - https issuers are always accepted
//   - http on a loopback host is accepted with a warning (development)
//   - http elsewhere is rejected unless AllowInsecureHTTP is set
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", rfc6749SecurityURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing",
		"action_required", "Switch to HTTPS immediately",
		"learn_more", rfc6749SecurityURL)
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine,
// including the whole 127.0.0.0/8 range and ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// resolveRedirectURI returns the redirect URI an authorization request
// binds its code to. Matching is exact; an omitted URI is only accepted when
// the client registered exactly one.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("redirect_uri is required")
	}
	if !client.HasRedirectURI(requested) {
		return "", fmt.Errorf("redirect URI not registered for client")
	}
	return requested, nil
}

// validateScope checks requested scopes against the server's supported set
// and the client's allowed set. Either set being empty means unrestricted.
//
// The error never names the offending scope, so the allowed set cannot be
// enumerated.
func (s *Server) validateScope(client *storage.Client, scope string) error {
	requested := util.ParseScope(scope)
	if len(requested) == 0 {
		return nil
	}
	if len(s.Config.SupportedScopes) > 0 && !util.ScopeSubset(requested, s.Config.SupportedScopes) {
		return fmt.Errorf("unsupported scope requested")
	}
	if len(client.Scopes) > 0 && !util.ScopeSubset(requested, client.Scopes) {
		return fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return nil
}
