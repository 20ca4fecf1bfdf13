package oauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// Mode selects what a middleware does after a successful operation.
type Mode int

const (
	// ModeRespond writes the protocol response and does not call next.
	ModeRespond Mode = iota
	// ModeContinue stores the result on the request context and calls next,
	// which is then responsible for the response.
	ModeContinue
)

// String implements fmt.Stringer
func (m Mode) String() string {
	switch m {
	case ModeRespond:
		return "respond"
	case ModeContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// AuthenticateConfig configures the Authenticate middleware.
// On success Authenticate always continues to next.
type AuthenticateConfig struct {
	// Scope lists scopes, space separated, the bearer token must carry
	Scope string

	ErrorHandler ErrorHandler
}

// PrincipalResolver returns the id of the resource owner behind r, if any.
type PrincipalResolver func(r *http.Request) (userID string, ok bool)

// AuthorizeConfig configures the Authorize middleware.
type AuthorizeConfig struct {
	Mode Mode

	// Principal resolves the authenticated resource owner. Defaults to the
	// user of the principal stored by the Authenticate middleware.
	Principal PrincipalResolver

	ErrorHandler ErrorHandler
}

// TokenConfig configures the Token middleware.
type TokenConfig struct {
	Mode Mode

	// Options override token lifetimes for every request through this middleware
	Options *server.TokenOptions

	ErrorHandler ErrorHandler
}

type contextKey string

const (
	principalKey           contextKey = "principal"
	authorizationResultKey contextKey = "authorization_result"
	tokenResultKey         contextKey = "token_result"
)

// PrincipalFromContext returns the principal stored by the Authenticate middleware
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*server.Principal)
	return p, ok && p != nil
}

// ContextWithPrincipal returns a copy of ctx carrying p
func ContextWithPrincipal(ctx context.Context, p *server.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// AuthorizationResultFromContext returns the code issued by the Authorize
// middleware in ModeContinue
func AuthorizationResultFromContext(ctx context.Context) (*server.AuthorizationResult, bool) {
	res, ok := ctx.Value(authorizationResultKey).(*server.AuthorizationResult)
	return res, ok && res != nil
}

// TokenResultFromContext returns the tokens issued by the Token middleware
// in ModeContinue
func TokenResultFromContext(ctx context.Context) (*server.TokenResult, bool) {
	res, ok := ctx.Value(tokenResultKey).(*server.TokenResult)
	return res, ok && res != nil
}

// Authenticate validates the bearer token of each request and calls next with
// the principal on the context.
func (h *Handler) Authenticate(cfg AuthenticateConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := NewRequest(w, r)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}
			req.ClientIP = h.clientIP.ClientIP(r)

			var opts *server.AuthenticateOptions
			if cfg.Scope != "" {
				opts = &server.AuthenticateOptions{Scope: cfg.Scope}
			}
			principal, err := h.server.Authenticate(r.Context(), req, opts)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// Authorize runs the authorization endpoint for the resolved resource owner.
// next is only used in ModeContinue and may be nil otherwise.
func (h *Handler) Authorize(cfg AuthorizeConfig) func(http.Handler) http.Handler {
	resolve := cfg.Principal
	if resolve == nil {
		resolve = contextPrincipal
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodPost {
				w.Header().Set("Allow", "GET, POST")
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			req, err := NewRequest(w, r)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}
			req.ClientIP = h.clientIP.ClientIP(r)
			if userID, ok := resolve(r); ok {
				req.Principal = userID
			}

			result, err := h.server.Authorize(r.Context(), req)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}

			if cfg.Mode == ModeContinue && next != nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authorizationResultKey, result)))
				return
			}
			security.SetSecurityHeaders(w.Header(), h.server.Config.Issuer)
			WriteResponse(w, r, result.Response())
		})
	}
}

// Token runs the token endpoint. next is only used in ModeContinue and may be
// nil otherwise.
func (h *Handler) Token(cfg TokenConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := h.clientIP.ClientIP(r)
			if h.checkTokenRateLimit(w, r, clientIP) {
				return
			}

			req, err := NewRequest(w, r)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}
			req.ClientIP = clientIP

			result, err := h.server.Token(r.Context(), req, cfg.Options)
			if err != nil {
				h.handleError(w, r, cfg.ErrorHandler, err)
				return
			}

			if cfg.Mode == ModeContinue && next != nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenResultKey, result)))
				return
			}
			security.SetSecurityHeaders(w.Header(), h.server.Config.Issuer)
			WriteResponse(w, r, result.Response())
		})
	}
}

func contextPrincipal(r *http.Request) (string, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// UserCredentialsPrincipal resolves the resource owner from HTTP Basic
// credentials checked against users. It suits deployments without a login
// page in front of the authorization endpoint.
func (h *Handler) UserCredentialsPrincipal(users storage.UserStore) PrincipalResolver {
	return func(r *http.Request) (string, bool) {
		username, password, ok := r.BasicAuth()
		if !ok {
			return "", false
		}
		user, err := users.ValidateUserCredentials(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, storage.ErrInvalidCredentials) {
				h.logger.ErrorContext(r.Context(), "Failed to validate user credentials", "error", err)
			}
			return "", false
		}
		return user.ID, true
	}
}
