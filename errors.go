package oauth

import (
	"errors"
	"net/http"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// ErrorHandler takes over error responses of a middleware. It receives the
// *server.Error returned by the grant engine, or the raw error for failures
// outside it.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// WriteError is the default error boundary. A *server.Error is written as
// its protocol response; any other error becomes a 500 server_error whose
// cause is logged but not sent.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *server.Error
	if !errors.As(err, &oerr) {
		h.logger.ErrorContext(r.Context(), "Unhandled error in OAuth handler", "error", err)
		oerr = server.ErrServerError(err)
	}
	security.SetSecurityHeaders(w.Header(), h.server.Config.Issuer)
	WriteResponse(w, r, oerr.Response(h.server.Config.Realm))
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, custom ErrorHandler, err error) {
	if custom != nil {
		custom(w, r, err)
		return
	}
	h.WriteError(w, r, err)
}
