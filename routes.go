package oauth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// Endpoint paths mounted by RegisterRoutes
const (
	AuthorizePath = "/oauth/authorize"
	TokenPath     = "/oauth/token"
	MetadataPath  = "/.well-known/oauth-authorization-server"
	JWKSPath      = "/.well-known/jwks.json"
)

// Router is satisfied by *http.ServeMux and chi.Router.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// RoutesConfig configures RegisterRoutes.
type RoutesConfig struct {
	// Authorize configures the authorization endpoint. Mode is ignored;
	// mounted endpoints always respond.
	Authorize AuthorizeConfig

	// Token configures the token endpoint. Mode is ignored.
	Token TokenConfig

	// AuthorizeAuthentication wraps the authorization endpoint, typically
	// with a session middleware that establishes the resource owner.
	AuthorizeAuthentication func(http.Handler) http.Handler

	// Keys, when set, are published at JWKSPath
	Keys *token.KeySet
}

// RegisterRoutes mounts the authorization, token, metadata and JWKS endpoints.
func (h *Handler) RegisterRoutes(r Router, cfg RoutesConfig) {
	cfg.Authorize.Mode = ModeRespond
	cfg.Token.Mode = ModeRespond

	authorize := h.Authorize(cfg.Authorize)(nil)
	if cfg.AuthorizeAuthentication != nil {
		authorize = cfg.AuthorizeAuthentication(authorize)
	}

	r.Handle(AuthorizePath, h.instrument("authorize", authorize))
	r.Handle(TokenPath, h.instrument("token", h.Token(cfg.Token)(nil)))
	r.Handle(MetadataPath, h.instrument("metadata", http.HandlerFunc(h.ServeAuthorizationServerMetadata)))
	if cfg.Keys != nil {
		r.Handle(JWKSPath, h.instrument("jwks", h.jwksHandler(cfg.Keys)))
	}

	h.logger.Info("Registered OAuth endpoints",
		"authorize", AuthorizePath,
		"token", TokenPath,
		"metadata", MetadataPath,
		"jwks", cfg.Keys != nil)
}

// instrument wraps next in a span and records request metrics.
func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "http."+endpoint)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.logClientIPs {
			instrumentation.AddSecurityAttributes(span, h.clientIP.ClientIP(r))
		}
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		}
		h.recordHTTPMetrics(ctx, endpoint, r.Method, status, start)
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w.Header(), h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.buildAuthServerMetadata())
}

func (h *Handler) buildAuthServerMetadata() map[string]any {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	metadata := map[string]any{
		"issuer":                   issuer,
		"authorization_endpoint":   issuer + AuthorizePath,
		"token_endpoint":           issuer + TokenPath,
		"jwks_uri":                 issuer + JWKSPath,
		"response_types_supported": []string{"code"},
		"grant_types_supported": []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeClientCredentials,
			storage.GrantTypePassword,
		},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	}
	if len(h.server.Config.SupportedScopes) > 0 {
		metadata["scopes_supported"] = h.server.Config.SupportedScopes
	}
	return metadata
}

func (h *Handler) jwksHandler(keys *token.KeySet) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(keys.JWKS())
	})
}
